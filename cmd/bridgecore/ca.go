package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/relaymesh/bridgecore/internal/config"
	bridgetls "github.com/relaymesh/bridgecore/internal/tls"
)

// handleCACommand handles "ca show" and "ca export <path>".
func handleCACommand(args []string) {
	if len(args) == 0 {
		printCAHelp()
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		caShow()
	case "export":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: bridgecore ca export <path>")
			os.Exit(1)
		}
		caExport(args[1])
	case "help", "-help", "--help":
		printCAHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown ca command: %s\n", args[0])
		printCAHelp()
		os.Exit(1)
	}
}

func loadCAForCommand() *bridgetls.CA {
	caDir, err := config.DefaultCADir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error determining CA directory: %v\n", err)
		os.Exit(1)
	}
	ca, err := bridgetls.LoadOrCreateCA(caDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading/creating CA: %v\n", err)
		os.Exit(1)
	}
	return ca
}

func caShow() {
	ca := loadCAForCommand()
	sum := sha256.Sum256(ca.Certificate().Raw)
	fmt.Println(string(ca.CertPEM()))
	fmt.Printf("SHA-256 fingerprint: %s\n", hex.EncodeToString(sum[:]))
}

func caExport(path string) {
	ca := loadCAForCommand()
	if err := os.WriteFile(path, ca.CertPEM(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote CA certificate to %s\n", path)
}

func printCAHelp() {
	fmt.Print(`Usage: bridgecore ca <command>

Commands:
    show           Print the CA certificate and its SHA-256 fingerprint
    export <path>  Write the CA certificate to a file for trust-store installation
`)
}

// handleSetupCommand installs the CA certificate into the system trust
// store, detecting the platform and falling back to manual instructions.
func handleSetupCommand(args []string) {
	setupFlags := flag.NewFlagSet("setup", flag.ExitOnError)
	showHelp := setupFlags.Bool("help", false, "Show help")
	_ = setupFlags.Parse(args)

	if *showHelp {
		printSetupHelp()
		os.Exit(0)
	}

	caDir, err := config.DefaultCADir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting CA directory: %v\n", err)
		os.Exit(1)
	}
	caPath := caDir + "/ca.crt"

	if _, err := bridgetls.LoadOrCreateCA(caDir); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading/creating CA: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("bridgecore setup - CA certificate installation")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Printf("CA certificate: %s\n", caPath)
	fmt.Println()

	switch detectOS() {
	case "darwin":
		installMacOS(caPath)
	case "linux":
		installLinux(caPath)
	case "windows":
		installWindows(caPath)
	default:
		fmt.Println("Unknown platform - showing manual instructions")
		printManualInstructions(caPath)
	}
}

func detectOS() string {
	switch {
	case fileExists("/Library/Keychains/System.keychain"):
		return "darwin"
	case fileExists("/usr/local/share/ca-certificates"):
		return "linux"
	case fileExists(`C:\Windows\System32`):
		return "windows"
	default:
		return "unknown"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func installMacOS(caPath string) {
	cmd := exec.Command("sudo", "security", "add-trusted-cert", "-d", "-r", "trustRoot",
		"-k", "/Library/Keychains/System.keychain", caPath)
	cmd.Stdout, cmd.Stderr, cmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	fmt.Println("Running: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to install CA: %v\n", err)
		printManualInstructions(caPath)
		os.Exit(1)
	}
	fmt.Println("CA certificate installed successfully.")
}

func installLinux(caPath string) {
	destPath := "/usr/local/share/ca-certificates/bridgecore.crt"
	cpCmd := exec.Command("sudo", "cp", caPath, destPath)
	cpCmd.Stdout, cpCmd.Stderr, cpCmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	fmt.Printf("Running: sudo cp %s %s\n", caPath, destPath)
	if err := cpCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to copy CA: %v\n", err)
		printManualInstructions(caPath)
		os.Exit(1)
	}

	updateCmd := exec.Command("sudo", "update-ca-certificates")
	updateCmd.Stdout, updateCmd.Stderr, updateCmd.Stdin = os.Stdout, os.Stderr, os.Stdin
	fmt.Println("Running: sudo update-ca-certificates")
	if err := updateCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to update CA certificates: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("CA certificate installed successfully.")
}

func installWindows(caPath string) {
	cmd := exec.Command("certutil", "-addstore", "-f", "ROOT", caPath)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	fmt.Printf("Running: certutil -addstore -f \"ROOT\" %s\n", caPath)
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to install CA: %v\n", err)
		fmt.Println("You may need to run this as Administrator.")
		os.Exit(1)
	}
	fmt.Println("CA certificate installed successfully.")
}

func printManualInstructions(caPath string) {
	fmt.Println("Manual CA installation instructions")
	fmt.Println("------------------------------------")
	fmt.Println()
	fmt.Println("macOS:")
	fmt.Printf("  sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", caPath)
	fmt.Println()
	fmt.Println("Linux (Debian/Ubuntu):")
	fmt.Printf("  sudo cp %s /usr/local/share/ca-certificates/bridgecore.crt\n", caPath)
	fmt.Println("  sudo update-ca-certificates")
	fmt.Println()
	fmt.Println("Linux (RHEL/Fedora):")
	fmt.Printf("  sudo cp %s /etc/pki/ca-trust/source/anchors/bridgecore.crt\n", caPath)
	fmt.Println("  sudo update-ca-trust")
	fmt.Println()
	fmt.Println("Windows (run as Administrator):")
	fmt.Printf("  certutil -addstore -f \"ROOT\" %s\n", caPath)
}

func printSetupHelp() {
	fmt.Print(`Usage: bridgecore setup [options]

Installs the bridgecore CA certificate into your system's trust store so
intercepted HTTPS connections are trusted by local clients.

Options:
    --help    Show this help message
`)
}
