package app

import (
	"maps"
	"slices"
)

// AppStateSnapshot is what the device is told about the user's apps. It is
// derived only from session states and subscription sets.
type AppStateSnapshot struct {
	RunningApps   []string            `json:"runningApps"`
	LoadingApps   []string            `json:"loadingApps"`
	Subscriptions map[string][]string `json:"subscriptions"`
}

// Equal reports whether two snapshots describe the same state
func (a AppStateSnapshot) Equal(b AppStateSnapshot) bool {
	return slices.Equal(a.RunningApps, b.RunningApps) &&
		slices.Equal(a.LoadingApps, b.LoadingApps) &&
		maps.EqualFunc(a.Subscriptions, b.Subscriptions, slices.Equal[[]string])
}

func buildSnapshot(sessions map[string]*Session) AppStateSnapshot {
	snap := AppStateSnapshot{
		RunningApps:   []string{},
		LoadingApps:   []string{},
		Subscriptions: make(map[string][]string),
	}
	for pkg, s := range sessions {
		switch {
		case s.state.IsLive():
			snap.RunningApps = append(snap.RunningApps, pkg)
			snap.Subscriptions[pkg] = s.subscriptions.Strings()
		case s.state.IsLoading():
			snap.LoadingApps = append(snap.LoadingApps, pkg)
		}
	}
	slices.Sort(snap.RunningApps)
	slices.Sort(snap.LoadingApps)
	return snap
}
