package models

type HookName string

const (
	HookChildStarted     HookName = "child_started"
	HookChildStopped     HookName = "child_stopped"
	HookChildrenMigrated HookName = "children_migrated"
	HookRedundancySignal HookName = "redundancy_signal"
	HookClusterJoin      HookName = "cluster_join"
	HookClusterLeave     HookName = "cluster_leave"
)

// HookEvent is delivered to host-registered callbacks. Only the fields
// relevant to the hook kind are populated.
type HookEvent struct {
	Hook     HookName
	Children []ChildID
	Node     NodeID
	Mode     RedundancyMode
}
