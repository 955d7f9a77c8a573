package index

import "runtime"

// Platform is the host-platform constraint a Source declares.
// "generic" matches every host.
type Platform string

const (
	PlatformGeneric  Platform = "generic"
	PlatformWin      Platform = "win"
	PlatformWin32    Platform = "win32"
	PlatformWin64    Platform = "win64"
	PlatformDarwin   Platform = "darwin"
	PlatformDarwin32 Platform = "darwin32"
	PlatformDarwin64 Platform = "darwin64"
	PlatformLinux    Platform = "linux"
	PlatformLinux32  Platform = "linux32"
	PlatformLinux64  Platform = "linux64"
)

var knownPlatforms = map[Platform]bool{
	PlatformGeneric: true, PlatformWin: true, PlatformWin32: true, PlatformWin64: true,
	PlatformDarwin: true, PlatformDarwin32: true, PlatformDarwin64: true,
	PlatformLinux: true, PlatformLinux32: true, PlatformLinux64: true,
}

// IsKnown reports whether p is a recognized platform token. An unknown
// platform value disqualifies the Source that carries it
func (p Platform) IsKnown() bool {
	return knownPlatforms[p]
}

// HostPlatform returns the current process's platform token, the most
// specific bitness-qualified one available.
func HostPlatform() Platform {
	is64 := is64BitArch(runtime.GOARCH)

	switch runtime.GOOS {
	case "windows":
		if is64 {
			return PlatformWin64
		}
		return PlatformWin32
	case "darwin":
		if is64 {
			return PlatformDarwin64
		}
		return PlatformDarwin32
	case "linux":
		if is64 {
			return PlatformLinux64
		}
		return PlatformLinux32
	default:
		return PlatformGeneric
	}
}

func is64BitArch(arch string) bool {
	switch arch {
	case "amd64", "arm64", "ppc64", "ppc64le", "mips64", "mips64le", "riscv64":
		return true
	default:
		return false
	}
}

// Matches reports whether a Source declaring platform p is installable on
// host. generic matches any host; the family token (win, darwin, linux)
// matches both bitnesses of that family; the bitness-qualified token
// matches only that exact host.
func (p Platform) Matches(host Platform) bool {
	if p == PlatformGeneric {
		return true
	}
	if p == host {
		return true
	}

	family := map[Platform]Platform{
		PlatformWin64:    PlatformWin,
		PlatformWin32:    PlatformWin,
		PlatformDarwin64: PlatformDarwin,
		PlatformDarwin32: PlatformDarwin,
		PlatformLinux64:  PlatformLinux,
		PlatformLinux32:  PlatformLinux,
	}

	return p != "" && family[host] == p
}
