// SPDX-License-Identifier: MIT

package channel

import (
	"fmt"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// Registry maps the closed channel set to adapters.
type Registry struct {
	adapters map[model.Channel]Adapter
}

// NewRegistry builds a registry from concrete adapters. Registering the
// same channel twice is a programming error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[model.Channel]Adapter, len(adapters))}
	for _, a := range adapters {
		ch := a.Channel()
		if _, dup := r.adapters[ch]; dup {
			return nil, fmt.Errorf("channel registry: duplicate adapter for %s", ch)
		}
		r.adapters[ch] = a
	}
	return r, nil
}

// Adapter returns the adapter for a channel.
func (r *Registry) Adapter(ch model.Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("channel registry: no adapter for %s", ch)
	}
	return a, nil
}

// Channels lists the registered channels.
func (r *Registry) Channels() []model.Channel {
	out := make([]model.Channel, 0, len(r.adapters))
	for _, ch := range model.Channels() {
		if _, ok := r.adapters[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
