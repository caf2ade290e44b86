// Package publish bridges thermostat status and commands onto NATS.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/chaz8081/easytouch-ble/internal/ble/protocol"
	"github.com/chaz8081/easytouch-ble/internal/config"
)

// StatusEvent is published for every decoded status.
type StatusEvent struct {
	ID      string           `json:"id"`
	Address string           `json:"address"`
	Time    time.Time        `json:"time"`
	Status  *protocol.Status `json:"status"`
}

// CommandReply answers a command message that carries a reply subject.
type CommandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// CommandHandler executes a command for the device at address.
type CommandHandler func(ctx context.Context, address string, cmd protocol.Command) error

// conn is the subset of *nats.Conn used here.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

// NATSPublisher publishes status events and serves command requests.
type NATSPublisher struct {
	nc     conn
	prefix string
	now    func() time.Time
	wg     sync.WaitGroup
}

// Connect dials the NATS server described by cfg.
func Connect(cfg config.NATSConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("[NATS] disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("[NATS] reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	slog.Info("[NATS] connected", "url", nc.ConnectedUrl(), "prefix", cfg.SubjectPrefix)
	return newPublisher(nc, cfg.SubjectPrefix), nil
}

func newPublisher(nc conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix, now: time.Now}
}

// AddressToken is the address with separators removed, usable as a single
// subject token.
func AddressToken(address string) string {
	r := strings.NewReplacer(":", "", "-", "")
	return strings.ToUpper(r.Replace(address))
}

// StatusSubject returns the subject status events for address go to.
func (p *NATSPublisher) StatusSubject(address string) string {
	return p.prefix + "." + AddressToken(address) + ".status"
}

// CommandSubject returns the subject commands for address are read from.
func (p *NATSPublisher) CommandSubject(address string) string {
	return p.prefix + "." + AddressToken(address) + ".command"
}

// Publish sends a StatusEvent for address.
func (p *NATSPublisher) Publish(_ context.Context, address string, status *protocol.Status) error {
	ev := StatusEvent{
		ID:      uuid.NewString(),
		Address: address,
		Time:    p.now().UTC(),
		Status:  status,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: encode status event: %w", err)
	}
	subject := p.StatusSubject(address)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", subject, err)
	}
	slog.Debug("[NATS] status published", "subject", subject, "id", ev.ID)
	return nil
}

// ServeCommands subscribes to command subjects for the given addresses and
// runs handler for each message until ctx is cancelled. Each message is
// handled on its own goroutine so a slow device does not hold up the
// subscription.
func (p *NATSPublisher) ServeCommands(ctx context.Context, addresses []string, handler CommandHandler) error {
	byToken := make(map[string]string, len(addresses))
	for _, a := range addresses {
		byToken[AddressToken(a)] = a
	}

	// stopped is set under mu before wg.Wait, so no Add races the Wait.
	var mu sync.Mutex
	stopped := false

	subject := p.prefix + ".*.command"
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			slog.Debug("[NATS] dropping command after shutdown", "subject", msg.Subject)
			return
		}
		p.wg.Add(1)
		mu.Unlock()
		go func() {
			defer p.wg.Done()
			p.handleCommand(ctx, msg, byToken, handler)
		}()
	})
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	slog.Info("[NATS] serving commands", "subject", subject)

	<-ctx.Done()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug("[NATS] unsubscribe failed", "error", err)
		}
	}
	mu.Lock()
	stopped = true
	mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *NATSPublisher) handleCommand(ctx context.Context, msg *nats.Msg, byToken map[string]string, handler CommandHandler) {
	token := tokenAt(msg.Subject, strings.Count(p.prefix, ".")+1)
	address, ok := byToken[token]
	if !ok {
		slog.Warn("[NATS] command for unknown device", "subject", msg.Subject)
		p.reply(msg, fmt.Errorf("unknown device %q", token))
		return
	}

	cmd, err := protocol.ParseCommand(msg.Data)
	if err != nil {
		slog.Warn("[NATS] invalid command", "subject", msg.Subject, "error", err)
		p.reply(msg, err)
		return
	}

	slog.Info("[NATS] command received", "addr", address, "type", cmd.Type)
	err = handler(ctx, address, cmd)
	if err != nil {
		slog.Error("[NATS] command failed", "addr", address, "error", err)
	}
	p.reply(msg, err)
}

func (p *NATSPublisher) reply(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		return
	}
	r := CommandReply{OK: err == nil}
	if err != nil {
		r.Error = err.Error()
	}
	data, _ := json.Marshal(r)
	if perr := p.nc.Publish(msg.Reply, data); perr != nil {
		slog.Warn("[NATS] reply failed", "subject", msg.Reply, "error", perr)
	}
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

func tokenAt(subject string, i int) string {
	parts := strings.Split(subject, ".")
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}
