package platform

import "testing"

func TestClassifyLifecycle(t *testing.T) {
	cases := []struct {
		text string
		want Lifecycle
	}{
		{"Stream is now online", LifecycleOnline},
		{"The broadcast has started", LifecycleOnline},
		{"alice is LIVE", LifecycleOnline},
		{"Stream went offline", LifecycleOffline},
		{"The stream has ended", LifecycleOffline},
		{"Broadcast stopped", LifecycleOffline},
		// "offline" contains "line" but not "live"; the offline branch must
		// win over the online keywords.
		{"channel OFFLINE now live again soon", LifecycleOffline},
		{"hello chat", LifecycleNone},
		{"", LifecycleNone},
	}
	for _, tc := range cases {
		if got := ClassifyLifecycle(tc.text); got != tc.want {
			t.Errorf("ClassifyLifecycle(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
