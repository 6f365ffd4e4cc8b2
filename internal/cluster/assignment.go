package cluster

import (
	"sort"

	"github.com/fluxgrid/fluxgrid/internal/partition"
)

// ComputeAssignment places partitionCount partitions across the view's
// Active members by modulo over the node-ID-sorted list. Backups are the
// next min(backupCount, n-1) members, wrapping. Returns nil when no
// member is Active.
func ComputeAssignment(view *MembersView, partitionCount uint32, backupCount int) []Assignment {
	active := view.ActiveMembers()
	n := len(active)
	if n == 0 {
		return nil
	}
	replicas := backupCount
	if replicas > n-1 {
		replicas = n - 1
	}
	assignments := make([]Assignment, partitionCount)
	for p := uint32(0); p < partitionCount; p++ {
		ownerIdx := int(p) % n
		a := Assignment{Owner: active[ownerIdx].NodeID}
		for b := 1; b <= replicas; b++ {
			a.Backups = append(a.Backups, active[(ownerIdx+b)%n].NodeID)
		}
		assignments[p] = a
	}
	return assignments
}

// TableAssignments converts a placement to the partition table's shape.
func TableAssignments(target []Assignment) map[uint32]partition.Meta {
	out := make(map[uint32]partition.Meta, len(target))
	for p, a := range target {
		out[uint32(p)] = partition.Meta{Owner: a.Owner, Backups: append([]string(nil), a.Backups...)}
	}
	return out
}

// PlanRebalance diffs the current table against the target placement and
// emits a migration task for every partition whose owner changes. Slots
// with no current owner are filled by a direct table update, not by
// migration. Output is sorted by partition ID.
func PlanRebalance(table *partition.Table, target []Assignment) []MigrationTask {
	var tasks []MigrationTask
	for p := range target {
		pid := uint32(p)
		current, ok := table.Get(pid)
		if !ok || current.Owner == "" {
			continue
		}
		if current.Owner == target[p].Owner {
			continue
		}
		tasks = append(tasks, MigrationTask{
			PartitionID: pid,
			Source:      current.Owner,
			Destination: target[p].Owner,
			NewBackups:  append([]string(nil), target[p].Backups...),
		})
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].PartitionID < tasks[j].PartitionID })
	return tasks
}

// OrderMigrations stable-sorts tasks by risk: backup promotions first
// (the destination already holds a replica), then partitions with fewer
// current replicas, then partition ID.
func OrderMigrations(tasks []MigrationTask, table *partition.Table) []MigrationTask {
	ordered := append([]MigrationTask(nil), tasks...)
	promotion := func(t MigrationTask) bool {
		meta, ok := table.Get(t.PartitionID)
		if !ok {
			return false
		}
		for _, b := range meta.Backups {
			if b == t.Destination {
				return true
			}
		}
		return false
	}
	replicaCount := func(t MigrationTask) int {
		meta, ok := table.Get(t.PartitionID)
		if !ok || meta.Owner == "" {
			return 0
		}
		return 1 + len(meta.Backups)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := promotion(ordered[i]), promotion(ordered[j])
		if pi != pj {
			return pi
		}
		ri, rj := replicaCount(ordered[i]), replicaCount(ordered[j])
		if ri != rj {
			return ri < rj
		}
		return ordered[i].PartitionID < ordered[j].PartitionID
	})
	return ordered
}
