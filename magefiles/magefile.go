//go:build mage

package main

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target to run when none is specified
var Default = Help

// Help displays available mage targets
func Help() error {
	fmt.Println("📖 qumo - MoQ relay, cluster and SDN controller")
	fmt.Printf("   Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("Available targets:")
	fmt.Println()
	fmt.Println("  🔨 Build & Install:")
	fmt.Println("    mage build        - Build qumo binary")
	fmt.Println("    mage install      - Install qumo to $GOPATH/bin")
	fmt.Println("    mage clean        - Clean build artifacts")
	fmt.Println()
	fmt.Println("  🧪 Development:")
	fmt.Println("    mage test         - Run all tests")
	fmt.Println("    mage testVerbose  - Run tests with verbose output")
	fmt.Println("    mage fmt          - Format code with go fmt")
	fmt.Println("    mage vet          - Run go vet for static analysis")
	fmt.Println("    mage lint         - Run golangci-lint (if installed)")
	fmt.Println("    mage check        - Run fmt, vet, and test")
	fmt.Println()
	fmt.Println("  🚀 Runtime:")
	fmt.Println("    mage relay        - Start a relay server (joins a cluster if configured)")
	fmt.Println("    mage sdn          - Start the SDN route controller")
	fmt.Println()
	fmt.Println("  🔧 Utilities:")
	fmt.Println("    mage cert         - Generate TLS certificates using mkcert")
	fmt.Println("    mage hash         - Compute/write TLS cert SHA-256")
	fmt.Println()
	fmt.Println("  ℹ️  Info:")
	fmt.Println("    mage -l           - List all targets")
	fmt.Println("    mage help         - Show this help")
	fmt.Println()
	return nil
}

// Build builds the qumo binary
func Build() error {
	fmt.Println("🔨 Building qumo binary...")

	binaryName := "qumo"
	if runtime.GOOS == "windows" {
		binaryName += ".exe"
	}

	if err := os.MkdirAll("bin", 0755); err != nil {
		return err
	}

	cmd := exec.Command("go", "build", "-o", "./bin/"+binaryName, ".")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return err
	}

	fmt.Println("✅ Built: bin/" + binaryName)
	return nil
}

// Install installs the qumo binary to $GOPATH/bin
func Install() error {
	fmt.Println("📦 Installing qumo to $GOPATH/bin...")

	cmd := exec.Command("go", "install", ".")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return err
	}

	fmt.Println("✅ Installed: qumo")
	fmt.Println("   Run with: qumo relay -config config.relay.yaml")
	fmt.Println("            qumo sdn -config config.sdn.yaml")
	return nil
}

// Test runs all tests
func Test() error {
	fmt.Println("🧪 Running tests...")

	cmd := exec.Command("go", "test", "./...", "-count=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// TestVerbose runs all tests with verbose output
func TestVerbose() error {
	fmt.Println("🧪 Running tests (verbose)...")

	cmd := exec.Command("go", "test", "./...", "-v", "-count=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Fmt formats all Go code
func Fmt() error {
	fmt.Println("✨ Formatting code...")

	cmd := exec.Command("go", "fmt", "./...")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Vet runs go vet for static analysis
func Vet() error {
	fmt.Println("🔍 Running go vet...")

	cmd := exec.Command("go", "vet", "./...")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Lint runs golangci-lint if installed
func Lint() error {
	fmt.Println("🔎 Running golangci-lint...")

	if _, err := exec.LookPath("golangci-lint"); err != nil {
		fmt.Println("⚠️  golangci-lint not found, skipping...")
		fmt.Println("   Install: https://golangci-lint.run/usage/install/")
		return nil
	}

	cmd := exec.Command("golangci-lint", "run", "./...")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Check runs fmt, vet, and test
func Check() error {
	fmt.Println("🔍 Running checks...")
	mg.Deps(Fmt, Vet, Test)
	fmt.Println("✅ All checks passed!")
	return nil
}

// Relay starts a qumo relay server with config.relay.yaml. A cluster
// section in that file makes it join a mesh of other relays.
func Relay() error {
	fmt.Println("📡 Starting qumo relay server...")
	fmt.Println("   Config: ./config.relay.yaml")
	fmt.Println("   Certs: certs/server.crt, certs/server.key (run 'mage cert')")
	fmt.Println("   MoQT: https://localhost:4433")
	fmt.Println("   HTTP: http://localhost:8080")
	fmt.Println()

	cmd := exec.Command("go", "run", ".", "relay", "-config", "config.relay.yaml")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// SDN starts the SDN route controller
func SDN() error {
	fmt.Println("🎛️  Starting SDN controller...")
	fmt.Println("   Config: ./config.sdn.yaml")
	fmt.Println("   HTTP: http://localhost:8090")
	fmt.Println()
	fmt.Println("   Available endpoints:")
	fmt.Println("     PUT/DELETE /relay/<name>       - Register/deregister relay")
	fmt.Println("     GET /route?from=A&to=B         - Query shortest path")
	fmt.Println("     GET /graph                     - Get topology graph")
	fmt.Println("     PUT/DELETE /announce/<relay>/<path> - Announce content")
	fmt.Println("     GET /announce/lookup?broadcast_path=X - Find content providers")
	fmt.Println("     GET /announce                  - List all announcements")
	fmt.Println()

	cmd := exec.Command("go", "run", ".", "sdn", "-config", "config.sdn.yaml")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Cert generates TLS certificates using mkcert
func Cert() error {
	fmt.Println("🔐 Generating TLS certificates...")

	if err := exec.Command("mkcert", "-version").Run(); err != nil {
		fmt.Println("❌ mkcert is not installed!")
		fmt.Println()
		fmt.Println("Please install mkcert:")
		fmt.Println("  Windows: winget install FiloSottile.mkcert")
		fmt.Println("  macOS:   brew install mkcert")
		fmt.Println("  Linux:   See https://github.com/FiloSottile/mkcert#installation")
		return fmt.Errorf("mkcert not found")
	}

	if err := os.MkdirAll("certs", 0755); err != nil {
		return err
	}

	fmt.Println("📦 Setting up local CA...")
	installCmd := exec.Command("mkcert", "-install")
	installCmd.Stdout = os.Stdout
	installCmd.Stderr = os.Stderr
	if err := installCmd.Run(); err != nil {
		fmt.Println("⚠️  Warning: Failed to install CA, continuing anyway...")
	}

	fmt.Println("📝 Generating certificates for localhost...")
	certCmd := exec.Command("mkcert",
		"-cert-file", "certs/server.crt",
		"-key-file", "certs/server.key",
		"localhost", "127.0.0.1", "::1")
	certCmd.Stdout = os.Stdout
	certCmd.Stderr = os.Stderr
	if err := certCmd.Run(); err != nil {
		return fmt.Errorf("failed to generate certificates: %w", err)
	}

	if err := Hash(); err != nil {
		fmt.Println("⚠️  Warning: failed to compute cert hash:", err)
	}

	fmt.Println()
	fmt.Println("✅ Certificates generated successfully!")
	fmt.Println("   📄 certs/server.crt")
	fmt.Println("   🔑 certs/server.key")
	return nil
}

// computeCertHash reads the PEM certificate at certs/server.crt, computes
// the SHA-256 hex fingerprint and returns it as a lower-case hex string.
func computeCertHash() (string, error) {
	b, err := os.ReadFile("certs/server.crt")
	if err != nil {
		return "", fmt.Errorf("failed to read cert: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}
	sha := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sha[:]), nil
}

// copyToClipboard attempts to copy the provided text to the system clipboard
// using platform-appropriate utilities. Returns an error if the required
// clipboard tool is not available or if the copy fails.
func copyToClipboard(text string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("cmd", "/c", "clip")
	case "darwin":
		cmd = exec.Command("pbcopy")
	default:
		if _, err := exec.LookPath("wl-copy"); err == nil {
			cmd = exec.Command("wl-copy")
		} else if _, err := exec.LookPath("xclip"); err == nil {
			cmd = exec.Command("xclip", "-selection", "clipboard")
		} else if _, err := exec.LookPath("xsel"); err == nil {
			cmd = exec.Command("xsel", "--clipboard", "--input")
		} else {
			return fmt.Errorf("no clipboard utility found (install wl-clipboard, xclip, or xsel)")
		}
	}

	in, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := in.Write([]byte(text)); err != nil {
		_ = in.Close()
		return err
	}
	_ = in.Close()
	return cmd.Wait()
}

// Hash computes (or re-computes) the certificate SHA-256 hash and prints the
// result. Optionally copies it to the system clipboard when run interactively.
func Hash() error {
	hexStr, err := computeCertHash()
	if err != nil {
		return err
	}
	fmt.Println("-----------🔐 CERT HASH-------------")
	fmt.Println("")
	fmt.Println(hexStr)
	fmt.Println("")
	fmt.Println("------------------------------------")

	fi, _ := os.Stdin.Stat()
	if (fi.Mode() & os.ModeCharDevice) == 0 {
		fmt.Println("Non-interactive stdin detected; skipping clipboard copy. Run 'mage hash' interactively to copy the hash to the clipboard.")
		return nil
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Do you want to copy this hash to the clipboard? (y/n): ")
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if len(input) > 0 && (input[0] == 'y' || input[0] == 'Y') {
		if err := copyToClipboard(hexStr); err != nil {
			return fmt.Errorf("failed to copy to clipboard: %w", err)
		}
		fmt.Println("🔐 Copied cert hash to clipboard")
	} else {
		fmt.Println("Skipping clipboard copy.")
	}

	return nil
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("🧹 Cleaning build artifacts...")

	if err := sh.Rm("bin"); err != nil {
		fmt.Println("⚠️  No bin directory to clean")
	} else {
		fmt.Println("   Removed: bin/")
	}

	fmt.Println("✅ Cleanup complete!")
	return nil
}
