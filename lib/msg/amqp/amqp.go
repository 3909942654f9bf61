// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/streadway/amqp"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/msg"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (msg.Broker, error) {
	r := Amqp{}

	var err error
	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}

	r.ch = nil
	log.Printf("Connected to %s", uri)

	return &r, err
}

// Setup obtains an amqp channel and declares the message broker exchanges:
//
// - al ("alerts"): the monitor service publishes anomaly alerts to this exchange
//
// - sec ("security"): the monitor service publishes security escalation events to this exchange
func (r *Amqp) Setup(x interface{}) error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err = channel.ExchangeDeclare("al", "topic", true, false, false, false, nil); err != nil {
		return err
	}

	err = channel.ExchangeDeclare("sec", "topic", true, false, false, false, nil)

	return err
}

// Close terminates gracefully the connection to the AMQP message broker
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Printf("Error closing amqp.Channel:%e", err)
		}

		r.ch = nil

		log.Printf("amqp.Channel closed!")
	}

	return r.conn.Close()
}

func (r *Amqp) channel() (err error) {
	if r.ch == nil {
		r.ch, err = r.conn.Channel()
	}

	return
}

// SendAlert publishes an anomaly alert to the "al" exchange, routed by severity and type.
func (r *Amqp) SendAlert(a event.Alert) (err error) {
	var jsonDoc []byte
	if jsonDoc, err = json.Marshal(a); err != nil {
		return
	}

	if err = r.channel(); err != nil {
		return
	}

	m := amqp.Publishing{
		Headers:     amqp.Table{"x-alert-id": a.ID},
		Body:        jsonDoc,
		ContentType: "application/json",
	}

	if err = r.ch.Publish("al", "alert."+a.Severity+"."+a.Type, false, false, m); err != nil {
		log.Printf("Error sending alert to message broker %e", err)
	}

	return
}

// SendSecurityEvent publishes a security escalation event to the "sec" exchange.
func (r *Amqp) SendSecurityEvent(e msg.SecurityEvent) (err error) {
	var jsonDoc []byte
	if jsonDoc, err = json.Marshal(e); err != nil {
		return
	}

	if err = r.channel(); err != nil {
		return
	}

	m := amqp.Publishing{
		Headers:     amqp.Table{"x-sec-client": e.ClientID},
		Body:        jsonDoc,
		ContentType: "application/json",
	}

	if err = r.ch.Publish("sec", "sec."+e.Type+"."+e.ClientID, false, false, m); err != nil {
		log.Printf("Error sending security event to message broker %e", err)
	}

	return
}

// GetAlerts consumes alerts from the "al" exchange pushing them to the returned channel. The Mutex pointer is
// provided to ensure the consumed message has been fully dealt with by the management function, so the message
// consumed is only acknowledged when the mutex is unlocked.
func (r *Amqp) GetAlerts(mut *sync.Mutex) (<-chan event.Alert, <-chan error, error) {
	if err := r.channel(); err != nil {
		return nil, nil, err
	}

	if _, err := r.ch.QueueDeclare("alerts", true, false, false, false, nil); err != nil {
		return nil, nil, err
	}

	if err := r.ch.QueueBind("alerts", "alert.*.*", "al", false, nil); err != nil {
		return nil, nil, err
	}

	msgs, errCons := r.ch.Consume("alerts", "monitor", false, false, false, false, nil)
	if errCons != nil {
		return nil, nil, errCons
	}

	alerts := make(chan event.Alert)
	errors := make(chan error)

	// start routine to consume messages from broker
	go func() {
		for m := range msgs {
			var a event.Alert
			if err := json.Unmarshal(m.Body, &a); err != nil {
				errors <- err

				continue
			}
			alerts <- a
			mut.Lock() // wait for the consumer to finish processing the alert
			m.Ack(false)
		}
	}()

	return alerts, errors, nil
}
