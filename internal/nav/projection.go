package nav

import (
	"sync"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
)

// FilterInstances keeps the instances of one process in their original order.
func FilterInstances(instances []registry.Instance, processKey string) []registry.Instance {
	out := make([]registry.Instance, 0, len(instances))
	for _, instance := range instances {
		if instance.ProcessKey == processKey {
			out = append(out, instance)
		}
	}
	return out
}

// Projection memoizes FilterInstances over the instances collection entry.
// The result is recomputed only when the entry sequence or the process
// key changes.
type Projection struct {
	mu         sync.Mutex
	valid      bool
	sequence   uint64
	processKey string
	result     []registry.Instance
}

func (p *Projection) Instances(entry cache.Entry, processKey string) []registry.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid && p.sequence == entry.Sequence && p.processKey == processKey {
		return p.result
	}
	p.result = FilterInstances(resource.InstancesFrom(entry), processKey)
	p.sequence = entry.Sequence
	p.processKey = processKey
	p.valid = true
	return p.result
}
