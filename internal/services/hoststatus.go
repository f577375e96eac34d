package services

import (
	"net"
	"net/url"
	"sync"
	"time"

	"VPN-Sales-Bot/internal/db"
	"VPN-Sales-Bot/internal/logger"
)

type HostStatus struct {
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Online      bool      `json:"online"`
	LastChecked time.Time `json:"last_checked"`
}

var (
	statusMu     sync.RWMutex
	lastStatuses []HostStatus
)

func GetHostStatuses() []HostStatus {
	statusMu.RLock()
	defer statusMu.RUnlock()
	return append([]HostStatus(nil), lastStatuses...)
}

// UpdateAllHostStatuses probes every configured panel endpoint over TCP.
func UpdateAllHostStatuses(store *db.Store) {
	hosts, err := store.GetAllHosts()
	if err != nil {
		logger.Error("hoststatus: listing hosts")
		return
	}
	statuses := make([]HostStatus, 0, len(hosts))
	for _, h := range hosts {
		status := HostStatus{Name: h.Name, Code: h.Code, LastChecked: time.Now().UTC()}
		if addr := dialAddr(h.BaseURL); addr != "" {
			conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
			if err == nil {
				status.Online = true
				conn.Close()
			} else {
				logger.NotifyAdmin("Host " + h.Name + " (" + addr + ") is unreachable")
			}
		}
		statuses = append(statuses, status)
	}
	statusMu.Lock()
	lastStatuses = statuses
	statusMu.Unlock()
}

func dialAddr(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
