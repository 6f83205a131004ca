package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// printError prints an actionable error to stderr and exits.
func printError(what string, cause error, fix string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Error:", what)
	fmt.Fprintln(os.Stderr, "Cause:", cause)
	fmt.Fprintln(os.Stderr, "Fix:  ", fix)
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

func portInUseFix(baseAddr string, attempts int) string {
	port := baseAddr
	if idx := strings.LastIndex(baseAddr, ":"); idx != -1 {
		port = baseAddr[idx+1:]
	}
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       bridgecore -listen 127.0.0.1:9100`, port, portNum(port)+attempts-1, port)
	case "darwin":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       bridgecore -listen 127.0.0.1:9100`, port, portNum(port)+attempts-1, port)
	default:
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       bridgecore -listen 127.0.0.1:9100`, port, portNum(port)+attempts-1, port, port)
	}
}

func portNum(port string) int {
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

func caCorruptFix(caDir string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`The CA certificate appears corrupted. Delete and regenerate:
       del /Q "%s\\ca.crt" "%s\\ca.key"
       bridgecore setup`, caDir, caDir)
	default:
		return fmt.Sprintf(`The CA certificate appears corrupted. Delete and regenerate:
       rm -f "%s/ca.crt" "%s/ca.key"
       bridgecore setup`, caDir, caDir)
	}
}

func caPermissionFix(caDir string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot write to certificate directory. Check permissions:
       icacls "%s"

       Or run as Administrator`, caDir)
	default:
		return fmt.Sprintf(`Cannot write to certificate directory. Fix permissions:
       chmod 700 "%s"
       chown $USER "%s"`, caDir, caDir)
	}
}

func dbPathFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       if not exist "%s" mkdir "%s"

       Or specify a different path:
       set BRIDGECORE_DB_PATH=C:\Users\%%USERNAME%%\bridgecore.db`, dbPath, dbPath)
	default:
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       mkdir -p "$(dirname '%s')"
       touch "%s"

       Or specify a different path:
       export BRIDGECORE_DB_PATH=~/bridgecore.db`, dbPath, dbPath)
	}
}

func configLoadFix(configPath string) string {
	if configPath == "" {
		switch runtime.GOOS {
		case "windows":
			return `Config file not found or invalid. Create one:
       bridgecore -listen 127.0.0.1:9090

       Or check the default location:
       %APPDATA%\bridgecore\config.yaml`
		default:
			return `Config file not found or invalid. Create one:
       bridgecore -listen 127.0.0.1:9090

       Or check the default location:
       ~/.config/bridgecore/config.yaml`
		}
	}
	return fmt.Sprintf(`Config file not found or invalid:
       %s

       Check the file exists and contains valid YAML.
       See 'bridgecore --help' for configuration options.`, configPath)
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "permission denied") ||
		strings.Contains(s, "access is denied") ||
		strings.Contains(s, "Access is denied")
}

func isCorruptCert(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "failed to decode") ||
		strings.Contains(s, "parsing CA certificate") ||
		strings.Contains(s, "parsing CA private key") ||
		strings.Contains(s, "malformed") ||
		strings.Contains(s, "invalid")
}

func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") ||
		strings.Contains(s, "SQLITE_BUSY") ||
		strings.Contains(s, "cannot start a transaction within a transaction")
}

func dbLockedFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another bridgecore instance running:
          tasklist | findstr bridgecore
          taskkill /IM bridgecore.exe /F

       2. Database viewer with file open:
          Close any SQLite browser tools

       Database: %s`, dbPath)
	default:
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another bridgecore instance running:
          pgrep -f bridgecore
          pkill bridgecore

       2. Database viewer with file open:
          lsof "%s"

       Database: %s`, dbPath, dbPath)
	}
}
