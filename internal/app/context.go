// Package app ties the push session, the fallback API client, the
// recent-conversations cache and open conversation views into one per-login
// context.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/internal/client"
	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/conversation"
	"github.com/omochice/dmsync/internal/recent"
	"github.com/omochice/dmsync/internal/transport/ws"
	"github.com/omochice/dmsync/pkg/protocol"
)

// ErrClosed is returned by OpenView after Close.
var ErrClosed = errors.New("app context closed")

const resyncTimeout = 30 * time.Second

type options struct {
	dialer      client.Dialer
	httpClient  *http.Client
	sessionOpts []client.Option
	viewOpts    []conversation.Option
}

// Option configures Open.
type Option func(*options)

// WithDialer replaces the websocket dialer.
func WithDialer(d client.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient replaces the fallback API's HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithSessionOptions passes options through to the push session.
func WithSessionOptions(opts ...client.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithViewOptions applies opts to every view opened by the context.
func WithViewOptions(opts ...conversation.Option) Option {
	return func(o *options) { o.viewOpts = append(o.viewOpts, opts...) }
}

// Context is everything that lives for one logged-in credential. It is
// created by Open and destroyed by Close.
type Context struct {
	self     protocol.Identity
	api      *api.Client
	messages *chat.Hub[protocol.Message]
	session  *client.Session
	recents  *recent.Cache
	viewOpts []conversation.Option
	log      zerolog.Logger

	mu     sync.Mutex
	views  map[int64]*conversation.View
	missed bool // a failed dial or drop happened since the last Connected
	closed bool
	unsubs []func()
}

// Open logs in with cfg.Token: it loads the current user and the recent list
// concurrently, then starts the push session. Only a failure to load the
// current user fails Open; a recent-list failure is kept on the cache.
func Open(ctx context.Context, cfg config.ClientConfig, opts ...Option) (*Context, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = ws.Dialer{}
	}

	apiOpts := []api.Option{}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, api.WithHTTPClient(o.httpClient))
	}
	if cfg.RequestTimeout > 0 {
		apiOpts = append(apiOpts, api.WithTimeout(cfg.RequestTimeout))
	}
	apiClient := api.New(cfg.Server, cfg.Token, apiOpts...)
	recents := recent.New(apiClient)
	logger := log.With().Str("component", "app").Logger()

	var self protocol.Identity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		me, err := apiClient.Me(gctx)
		if err != nil {
			return errors.Wrap(err, "load current user")
		}
		self = me
		return nil
	})
	g.Go(func() error {
		if err := recents.Refresh(gctx); err != nil {
			logger.Warn().Err(err).Msg("failed to load recent conversations")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	viewOpts := o.viewOpts
	if cfg.PendingTimeout > 0 {
		viewOpts = append([]conversation.Option{conversation.WithPendingTimeout(cfg.PendingTimeout)}, viewOpts...)
	}

	messages := chat.NewHub[protocol.Message]("messages")
	sessionCfg := client.DefaultConfig(cfg.Server)
	sessionCfg.BaseDelay = cfg.Reconnect.BaseDelay
	sessionCfg.MaxDelay = cfg.Reconnect.MaxDelay
	sessionCfg.MaxAttempts = cfg.Reconnect.MaxAttempts

	c := &Context{
		self:     self,
		api:      apiClient,
		messages: messages,
		session:  client.NewSession(sessionCfg, o.dialer, messages, o.sessionOpts...),
		recents:  recents,
		viewOpts: viewOpts,
		log:      logger.With().Int64("self", self.ID).Logger(),
		views:    make(map[int64]*conversation.View),
	}
	c.unsubs = append(c.unsubs,
		messages.Subscribe(c.trackPartner),
		c.session.States().Subscribe(c.onState),
	)
	c.session.Connect(self, cfg.Token)
	c.log.Info().Str("username", self.Username).Msg("logged in")
	return c, nil
}

// Self returns the logged-in identity.
func (c *Context) Self() protocol.Identity { return c.self }

// API returns the request/response client.
func (c *Context) API() *api.Client { return c.api }

// Session returns the push session.
func (c *Context) Session() *client.Session { return c.session }

// Recents returns the recent-conversations cache.
func (c *Context) Recents() *recent.Cache { return c.recents }

// Messages returns the hub every pushed message is published on.
func (c *Context) Messages() *chat.Hub[protocol.Message] { return c.messages }

// Offline reports whether the push connection is down.
func (c *Context) Offline() bool {
	return c.session.State() != client.StateConnected
}

// Resume forwards a foreground event to the session.
func (c *Context) Resume() {
	c.session.Resume()
}

// SetForeground records whether the application is in the foreground.
func (c *Context) SetForeground(foreground bool) {
	c.session.SetForeground(foreground)
}

// OpenView returns the open view for partner, creating, subscribing and
// loading it if needed. A load failure is returned along with the view; the
// view stays open and keeps the error until dismissed.
func (c *Context) OpenView(ctx context.Context, partner protocol.Identity, opts ...conversation.Option) (*conversation.View, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if v, ok := c.views[partner.ID]; ok {
		c.mu.Unlock()
		return v, nil
	}
	deps := conversation.Deps{
		Sender:   c.session,
		Fallback: c.api,
		Hub:      c.messages,
		Recents:  c.recents,
	}
	v := conversation.New(c.self, partner, deps, append(append([]conversation.Option{}, c.viewOpts...), opts...)...)
	c.views[partner.ID] = v
	c.mu.Unlock()

	return v, v.Open(ctx)
}

// OpenViewByID resolves partnerID from the recent list or the server and
// opens its view.
func (c *Context) OpenViewByID(ctx context.Context, partnerID int64, opts ...conversation.Option) (*conversation.View, error) {
	partner, ok := c.recents.Lookup(partnerID)
	if !ok {
		var err error
		partner, err = c.api.User(ctx, partnerID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve user %d", partnerID)
		}
	}
	return c.OpenView(ctx, partner, opts...)
}

// CloseView closes and forgets the view for partnerID.
func (c *Context) CloseView(partnerID int64) {
	c.mu.Lock()
	v, ok := c.views[partnerID]
	delete(c.views, partnerID)
	c.mu.Unlock()
	if ok {
		v.Close()
	}
}

// Close logs out: the session is disconnected, every view is closed and no
// further callbacks reach this context.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	views := c.views
	c.views = make(map[int64]*conversation.View)
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	c.session.Disconnect()
	for _, v := range views {
		v.Close()
	}
	c.log.Info().Msg("logged out")
}

func (c *Context) openViews() []*conversation.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*conversation.View, 0, len(c.views))
	for _, v := range c.views {
		out = append(out, v)
	}
	return out
}

// onState resyncs every open view when a Connected follows a failed dial or
// a drop, since pushes sent while offline were missed. This includes the
// first connection of a login whose initial dials failed.
func (c *Context) onState(state client.State) {
	switch state {
	case client.StateDisconnected:
		c.mu.Lock()
		c.missed = true
		c.mu.Unlock()
		return
	case client.StateConnected:
	default:
		return
	}
	c.mu.Lock()
	resync := c.missed
	c.missed = false
	closed := c.closed
	c.mu.Unlock()
	if !resync || closed {
		return
	}

	views := c.openViews()
	c.log.Info().Int("views", len(views)).Msg("reconnected, resyncing views")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for _, v := range views {
			g.Go(func() error {
				if err := v.Resync(gctx); err != nil && !errors.Is(err, conversation.ErrStale) {
					c.log.Warn().Err(err).Int64("partner", v.Partner().ID).Msg("resync failed")
				}
				return nil
			})
		}
		_ = g.Wait()
		if err := c.recents.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to refresh recent conversations")
		}
	}()
}

// trackPartner moves the other participant of every pushed message to the
// head of the recent list. Partners the cache has never seen trigger a
// refresh instead, since push frames may omit the sender.
func (c *Context) trackPartner(msg protocol.Message) {
	key := msg.Key()
	if key.A != c.self.ID && key.B != c.self.ID {
		return
	}
	partnerID := key.Partner(c.self.ID)
	if partnerID == c.self.ID {
		return
	}
	if msg.Sender != nil && msg.Sender.ID == partnerID {
		c.recents.Add(*msg.Sender)
		return
	}
	if partner, ok := c.recents.Lookup(partnerID); ok {
		c.recents.Add(partner)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		if err := c.recents.Refresh(ctx); err != nil {
			c.log.Warn().Err(err).Msg("failed to refresh recent conversations")
		}
	}()
}
