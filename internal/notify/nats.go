package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Consumer subscribes to workspace domain events on NATS and feeds them
// into the pipeline. A queue group makes delivery compete across nodes so
// each event is processed once per cluster, not once per node.
type Consumer struct {
	conn *nats.Conn
	sub  *nats.Subscription
	svc  *Service
}

func StartConsumer(url, subject, queue string, svc *Service) (*Consumer, error) {
	conn, err := nats.Connect(url,
		nats.Name("atelier-realtime"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	c := &Consumer{conn: conn, svc: svc}
	sub, err := conn.QueueSubscribe(subject, queue, c.handle)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.sub = sub
	log.Printf(`{"event":"nats_consumer_started","subject":%q,"queue":%q}`, subject, queue)
	return c, nil
}

func (c *Consumer) handle(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf(`{"event":"nats_event_malformed","subject":%q,"error":%q}`, msg.Subject, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.svc.Publish(ctx, ev); err != nil {
		log.Printf(`{"event":"nats_event_failed","type":%q,"error":%q}`, ev.Type, err.Error())
	}
}

func (c *Consumer) Close() {
	if c.sub != nil {
		_ = c.sub.Drain()
	}
	c.conn.Close()
}
