package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// TabID identifies a browser tab hosting a content script.
type TabID int

// TargetKind discriminates Target.
type TargetKind string

const (
	TargetAll        TargetKind = "all"
	TargetBackground TargetKind = "background"
	TargetPopup      TargetKind = "popup"
	TargetTab        TargetKind = "tab"
)

// Target addresses one surface, or every surface when Kind is TargetAll.
type Target struct {
	Kind  TargetKind
	TabID TabID
}

var (
	All        = Target{Kind: TargetAll}
	Background = Target{Kind: TargetBackground}
	Popup      = Target{Kind: TargetPopup}
)

// Tab returns the target for a content-script tab.
func Tab(id TabID) Target {
	return Target{Kind: TargetTab, TabID: id}
}

// IsTab reports whether t addresses a single tab.
func (t Target) IsTab() bool { return t.Kind == TargetTab }

// Source returns the provenance tag for messages sent by t.
func (t Target) Source() Source {
	switch t.Kind {
	case TargetPopup:
		return SourcePopup
	case TargetTab:
		return SourceTab
	default:
		return SourceBackground
	}
}

func (t Target) String() string {
	if t.Kind == TargetTab {
		return "tab:" + strconv.Itoa(int(t.TabID))
	}
	return string(t.Kind)
}

// ParseTarget parses the String form of a Target.
func ParseTarget(s string) (Target, error) {
	switch s {
	case string(TargetAll):
		return All, nil
	case string(TargetBackground):
		return Background, nil
	case string(TargetPopup):
		return Popup, nil
	}
	if rest, ok := strings.CutPrefix(s, "tab:"); ok {
		id, err := strconv.Atoi(rest)
		if err != nil || id < 0 {
			return Target{}, fmt.Errorf("invalid tab id %q", rest)
		}
		return Tab(TabID(id)), nil
	}
	return Target{}, fmt.Errorf("unknown target %q", s)
}

// MarshalText encodes t in its String form, so targets read naturally in
// JSON status output.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (t *Target) UnmarshalText(b []byte) error {
	parsed, err := ParseTarget(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
