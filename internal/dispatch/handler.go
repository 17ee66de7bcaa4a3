package dispatch

import "context"

// AckPrefix prepended by AckHandler.
const AckPrefix = "ACK: "

// Handler turns a decrypted job into the reply text.
type Handler interface {
	Handle(ctx context.Context, job string) (string, error)
}

// HandlerFunc adapts a func to Handler.
type HandlerFunc func(ctx context.Context, job string) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, job string) (string, error) { return f(ctx, job) }

// AckHandler replies "ACK: " + job.
var AckHandler Handler = HandlerFunc(func(_ context.Context, job string) (string, error) {
	return AckPrefix + job, nil
})
