package broadcast

import (
	"encoding/json"

	"github.com/grocermate/fanout/internal/logging"
	"github.com/grocermate/fanout/pkg/domain"
	"github.com/grocermate/fanout/pkg/errors"
)

// Router resolves a broadcast event to the locally-subscribed
// connections and hands them to the dispatcher. Routing never blocks on
// a slow connection: enqueue is non-blocking and each connection's batch
// flushes independently.
type Router struct {
	registry   *Registry
	dispatcher *Dispatcher
	logger     *logging.Logger
}

// NewRouter creates a new local router
func NewRouter(registry *Registry, dispatcher *Dispatcher, logger *logging.Logger) *Router {
	return &Router{
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Route delivers the event to local subscribers and returns how many
// connections matched. A topic with zero subscribers returns 0 without
// error; that is a normal outcome, not a failure.
func (r *Router) Route(event domain.BroadcastEvent) (int, error) {
	ids := r.resolve(event)
	if len(ids) == 0 {
		return 0, nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeInternal, "EVENT_MARSHAL", "failed to marshal event")
	}

	for _, id := range ids {
		r.dispatcher.Enqueue(id, data)
	}

	r.logger.Debug("event routed",
		"event_id", event.ID,
		"topic", event.Topic(),
		"recipients", len(ids),
	)

	return len(ids), nil
}

// resolve maps the event's targeting metadata to connection ids.
// Audience targeting (users, roles) wins over plain topic routing.
func (r *Router) resolve(event domain.BroadcastEvent) []string {
	if users := event.TargetUsers(); users != nil {
		return r.unique(func(yield func(string)) {
			for _, u := range users {
				for _, id := range r.registry.ConnectionsForUser(u) {
					yield(id)
				}
			}
		})
	}

	if roles := event.TargetRoles(); roles != nil {
		return r.unique(func(yield func(string)) {
			for _, role := range roles {
				for _, id := range r.registry.Subscribers(domain.RoleTopicPrefix + role) {
					yield(id)
				}
			}
		})
	}

	return r.registry.Subscribers(event.Topic())
}

// unique collects ids from the generator, dropping duplicates so a
// connection matched through several users or roles is enqueued once
func (r *Router) unique(gen func(yield func(string))) []string {
	seen := make(map[string]struct{})
	var out []string
	gen(func(id string) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	})
	return out
}
