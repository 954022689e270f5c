package manager

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// leanMasterRecord drops everything but the fields a catalog server needs
// to keep listing this manager, posted as a fallback whenever posting the
// full record fails or gets a non-200 response.
type leanMasterRecord struct {
	Type    string `json:"type"`
	Project string `json:"project"`
	Port    int    `json:"port"`
}

// updateCatalog builds this manager's self-description on the WaitLoop
// goroutine (buildMasterRecord reads tasktable/registry/capacity state that
// only that goroutine may touch) and hands the already-marshaled payloads
// off to postCatalogUpdate, which runs in its own goroutine since a slow or
// unreachable catalog host must never stall task dispatch.
func (m *Manager) updateCatalog() {
	if len(m.cfg.CatalogHosts) == 0 {
		return
	}
	record := m.buildMasterRecord()
	full, err := json.Marshal(record)
	if err != nil {
		return
	}
	lean, _ := json.Marshal(leanMasterRecord{Type: record.Type, Project: record.Project, Port: record.Port})
	hosts := append([]string(nil), m.cfg.CatalogHosts...)
	go postCatalogUpdate(hosts, full, lean)
}

func postCatalogUpdate(hosts []string, full, lean []byte) {
	client := &http.Client{Timeout: 10 * time.Second}
	for _, host := range hosts {
		if ok := postOne(client, host, full); !ok {
			postOne(client, host, lean)
		}
	}
}

func postOne(client *http.Client, host string, body []byte) bool {
	resp, err := client.Post(host, "application/json", bytes.NewReader(body))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
