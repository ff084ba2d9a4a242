package banner

import (
	"fmt"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗██╗    ██╗██╗██████╗  ██████╗ ███████╗████████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██║    ██║██║██╔══██╗██╔════╝ ██╔════╝╚══██╔══╝
██║     ███████║███████║   ██║   ██║ █╗ ██║██║██║  ██║██║  ███╗█████╗     ██║
██║     ██╔══██║██╔══██║   ██║   ██║███╗██║██║██║  ██║██║   ██║██╔══╝     ██║
╚██████╗██║  ██║██║  ██║   ██║   ╚███╔███╔╝██║██████╔╝╚██████╔╝███████╗   ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝    ╚══╝╚══╝ ╚═╝╚═════╝  ╚═════╝ ╚══════╝   ╚═╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(endpoint, dbPath, debugAddr, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Realtime:  %s\n", endpoint)
	fmt.Printf("Queue DB:  %s\n", dbPath)
	if debugAddr != "" {
		fmt.Printf("Debug:     http://%s\n", debugAddr)
	}
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	if debugAddr != "" {
		fmt.Println("\n== Debug endpoints ============================================")
		fmt.Printf("GET http://%s/healthz - liveness\n", debugAddr)
		fmt.Printf("GET http://%s/metrics - Prometheus metrics\n", debugAddr)
		fmt.Printf("GET http://%s/v1/queue - queued envelopes\n", debugAddr)
		fmt.Printf("GET http://%s/v1/timeline/{conversation} - local timeline\n", debugAddr)
	}
	fmt.Println()
}
