package digest

import (
	"crypto/sha256"
	"runtime"

	"golang.org/x/sys/cpu"
)

// Primitive is an accelerated digest primitive.  Sum must return the 32-byte
// SHA-256 of data or an error; it is called on the loop goroutine.
type Primitive interface {
	Name() string
	Sum(data []byte) ([]byte, error)
}

// PrimitiveFunc adapts a plain function to Primitive.
type PrimitiveFunc func(data []byte) ([]byte, error)

// Name implements Primitive.
func (f PrimitiveFunc) Name() string { return "func" }

// Sum implements Primitive.
func (f PrimitiveFunc) Sum(data []byte) ([]byte, error) { return f(data) }

// Hardware is the CPU-accelerated SHA-256 shipped with the Go runtime.
type Hardware struct{}

// Name implements Primitive.
func (Hardware) Name() string { return "hardware-" + runtime.GOARCH }

// Sum implements Primitive.
func (Hardware) Sum(data []byte) ([]byte, error) {
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// ProbeAccelerated returns the Hardware primitive when the CPU exposes the
// instructions crypto/sha256 accelerates with, and nil otherwise.
func ProbeAccelerated() Primitive {
	if hasSHAExtensions() {
		return Hardware{}
	}
	return nil
}

func hasSHAExtensions() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasSHA || cpu.X86.HasAVX2
	case "arm64":
		return cpu.ARM64.HasSHA2
	case "s390x":
		return cpu.S390X.HasSHA256
	}
	return false
}
