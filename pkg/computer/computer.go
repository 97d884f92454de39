// Package computer defines the device port: the operations an agent run
// needs from a controllable desktop, and the provisioner that supplies
// instances to the session pool.
package computer

import (
	"context"
	"time"
)

// OSType identifies the operating system of a computer instance.
type OSType string

const (
	OSLinux   OSType = "linux"
	OSMacOS   OSType = "macos"
	OSWindows OSType = "windows"
)

// ProviderType identifies where a computer instance runs.
type ProviderType string

const (
	ProviderCloud  ProviderType = "cloud"
	ProviderDocker ProviderType = "docker"
	ProviderHost   ProviderType = "host"
)

// Spec describes the computer a request wants. Zero values mean "any".
// Image, Memory, and CPU are provisioning hints for providers that start
// fresh instances; pooled instances match on identity fields only.
type Spec struct {
	OSType   OSType       `json:"os_type,omitempty"`
	Provider ProviderType `json:"provider,omitempty"`
	Name     string       `json:"name,omitempty"`
	Width    int          `json:"width,omitempty"`
	Height   int          `json:"height,omitempty"`
	Image    string       `json:"image,omitempty"`
	Memory   string       `json:"memory,omitempty"`
	CPU      string       `json:"cpu,omitempty"`
}

// Matches reports whether a computer described by info satisfies the spec.
func (s Spec) Matches(info Info) bool {
	if s.OSType != "" && s.OSType != info.OSType {
		return false
	}
	if s.Provider != "" && s.Provider != info.Provider {
		return false
	}
	if s.Name != "" && s.Name != info.Name {
		return false
	}
	return true
}

// Info identifies a live computer instance.
type Info struct {
	Name     string
	OSType   OSType
	Provider ProviderType
}

// Computer is the full device port. Every operation takes a context; a
// cancelled context must abort the call. Screenshot returns a PNG-encoded
// image.
type Computer interface {
	Info() Info

	Screenshot(ctx context.Context) ([]byte, error)
	Dimensions(ctx context.Context) (width, height int, err error)

	LeftClick(ctx context.Context, x, y int) error
	RightClick(ctx context.Context, x, y int) error
	DoubleClick(ctx context.Context, x, y int) error
	MoveCursor(ctx context.Context, x, y int) error
	MouseDown(ctx context.Context, x, y int, button string) error
	MouseUp(ctx context.Context, x, y int, button string) error
	Drag(ctx context.Context, path []Point, button string) error
	Scroll(ctx context.Context, x, y, deltaX, deltaY int) error

	TypeText(ctx context.Context, text string) error
	PressKeys(ctx context.Context, keys []string) error

	Wait(ctx context.Context, d time.Duration) error

	Close(ctx context.Context) error
}

// Point mirrors a screen coordinate for drag paths.
type Point struct {
	X int
	Y int
}

// Provisioner creates computer instances for the pool.
type Provisioner interface {
	// Provision starts a new instance satisfying spec.
	Provision(ctx context.Context, spec Spec) (Computer, error)
	// Probe reports whether an existing instance is still healthy.
	Probe(ctx context.Context, c Computer) error
}
