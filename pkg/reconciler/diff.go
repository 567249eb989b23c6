package reconciler

import (
	"context"
	"sync"

	"github.com/aoscore/aos-cm/pkg/log"
	"github.com/aoscore/aos-cm/pkg/metrics"
	"github.com/aoscore/aos-cm/pkg/types"
)

// itemTypeOrder ranks UpdateItemTypes so components install before
// layers, and layers before the services that reference them.
var itemTypeOrder = map[types.UpdateItemType]int{
	types.ItemTypeComponent: 0,
	types.ItemTypeLayer:     1,
	types.ItemTypeService:   2,
}

// diffItems returns the entries of desired not already present (by
// ItemID/Version) in current, ordered by dependency type.
func diffItems(current, desired []types.UpdateItem) []types.UpdateItem {
	have := make(map[string]struct{}, len(current))
	for _, item := range current {
		have[item.ItemID+"/"+item.Version] = struct{}{}
	}

	var planned []types.UpdateItem
	for _, item := range desired {
		if _, ok := have[item.ItemID+"/"+item.Version]; !ok {
			planned = append(planned, item)
		}
	}

	sortByDependency(planned)
	return planned
}

func sortByDependency(items []types.UpdateItem) {
	// insertion sort: planned lists are small (bounded by one desired
	// status) and this keeps equal-rank items in their original order.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && itemTypeOrder[items[j].Type] < itemTypeOrder[items[j-1].Type]; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// installItems installs every planned item, bounded to cfg.InstallConcurrency
// concurrent downloads. A per-item failure is logged and counted but never
// aborts the remaining, independent items.
func (r *Reconciler) installItems(ctx context.Context, planned []types.UpdateItem) {
	sem := make(chan struct{}, r.cfg.InstallConcurrency)
	var wg sync.WaitGroup

	for _, item := range planned {
		item := item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			itemCtx, cancel := context.WithTimeout(ctx, r.cfg.InstallTimeout)
			defer cancel()

			if _, err := r.installer.Install(itemCtx, item, item.IndexDigest); err != nil {
				metrics.InstanceFailuresTotal.WithLabelValues(item.ItemID).Inc()
				log.Error("reconciler: install " + item.ItemID + "/" + item.Version + ": " + err.Error())
			}
		}()
	}

	wg.Wait()
}
