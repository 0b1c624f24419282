package probes

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

// PortScanner fingerprints a host with plain TCP connects and banner grabs.
// It is the fallback when nmap is unavailable.
type PortScanner struct {
	concurrency int
	timeout     time.Duration
	ports       []int
}

// NewPortScanner creates a new port scanner.
func NewPortScanner(concurrency int, timeout time.Duration, ports []int) *PortScanner {
	if concurrency <= 0 {
		concurrency = 20
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if len(ports) == 0 {
		ports = util.GetTopPorts(50)
	}
	return &PortScanner{
		concurrency: concurrency,
		timeout:     timeout,
		ports:       ports,
	}
}

// Port service names mapping.
var serviceNames = map[int]string{
	21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp", 53: "dns",
	80: "http", 110: "pop3", 111: "rpc", 135: "msrpc", 139: "netbios",
	143: "imap", 443: "https", 445: "smb", 993: "imaps", 995: "pop3s",
	1433: "mssql", 1521: "oracle", 1723: "pptp", 3306: "mysql", 3389: "rdp",
	5432: "postgresql", 5900: "vnc", 5984: "couchdb", 6379: "redis",
	8080: "http-alt", 8443: "https-alt", 8888: "http-alt", 9092: "kafka",
	9200: "elasticsearch", 11211: "memcached", 27017: "mongodb",
}

// ScanHost connects to every configured port of host. When ctx ends early
// the ports found so far are returned along with ctx's error.
func (s *PortScanner) ScanHost(ctx context.Context, host string) ([]model.Port, error) {
	jobs := make(chan int)
	results := make(chan model.Port, len(s.ports))

	var wg sync.WaitGroup
	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for port := range jobs {
				if p, ok := s.scanPort(ctx, host, port); ok {
					results <- p
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, port := range s.ports {
			select {
			case jobs <- port:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var ports []model.Port
	for p := range results {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })

	return ports, ctx.Err()
}

func (s *PortScanner) scanPort(ctx context.Context, host string, port int) (model.Port, bool) {
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return model.Port{}, false
	}
	defer conn.Close()

	return model.Port{
		Port:     port,
		Protocol: "tcp",
		Service:  getServiceName(port),
		Banner:   grabBanner(conn, s.timeout/2),
	}, true
}

func getServiceName(port int) string {
	if name, ok := serviceNames[port]; ok {
		return name
	}
	return "unknown"
}

func grabBanner(conn net.Conn, timeout time.Duration) string {
	conn.SetReadDeadline(time.Now().Add(timeout))

	buf := make([]byte, 1024)
	n, _ := conn.Read(buf)
	if n == 0 {
		return ""
	}

	banner := strings.TrimSpace(strings.ToValidUTF8(string(buf[:n]), ""))
	if len(banner) > 200 {
		banner = banner[:200]
	}
	return banner
}
