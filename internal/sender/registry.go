package sender

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Registry maps channel types to senders
type Registry struct {
	mu      sync.RWMutex
	senders map[model.ChannelType]Sender
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{senders: make(map[model.ChannelType]Sender)}
}

// NewDefaultRegistry registers every built-in sender
func NewDefaultRegistry(logger *zap.Logger, opts Options) *Registry {
	opts = opts.withDefaults()
	r := NewRegistry()
	r.Register(NewSlackSender(logger, opts))
	r.Register(NewTeamsSender(logger, opts))
	r.Register(NewPagerDutySender(logger, opts))
	r.Register(NewDiscordSender(logger, opts))
	r.Register(NewWebhookSender(logger, opts))
	r.Register(NewEmailSender(logger, opts))
	return r
}

// Register adds or replaces the sender for its type
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Type()] = s
}

// Get returns the sender for t
func (r *Registry) Get(t model.ChannelType) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChannel, t)
	}
	return s, nil
}

// Types lists the registered channel types
func (r *Registry) Types() []model.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]model.ChannelType, 0, len(r.senders))
	for t := range r.senders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateChannel runs the matching sender's config validation
func (r *Registry) ValidateChannel(ch *model.NotificationChannel) error {
	s, err := r.Get(ch.Type)
	if err != nil {
		return err
	}
	return s.ValidateConfig(ch)
}
