package bus

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// brokerConn and brokerChannel abstract the amqp091 connection objects so
// that the publishing and consuming machinery can be exercised against fakes.
type brokerConn interface {
	Channel() (brokerChannel, error)
	Close() error
}

type brokerChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type dialFunc func(url string) (brokerConn, error)

// defaultDial wraps amqp.Dial behind the brokerConn interface.
func defaultDial(url string) (brokerConn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConn{conn: conn}, nil
}

type realConn struct {
	conn *amqp.Connection
}

func (c *realConn) Channel() (brokerChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *realConn) Close() error {
	return c.conn.Close()
}
