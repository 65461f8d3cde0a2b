package session

import (
	"sort"
	"strings"
	"time"
)

// Transcript 一次会话的完整协议记录
type Transcript struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Entries   []*Entry  `json:"entries"`
	Stats     *Stats    `json:"stats"`
}

// DomainSummary 单个协议域的命令统计
type DomainSummary struct {
	Domain   string        `json:"domain"`
	Commands int           `json:"commands"`
	Failures int           `json:"failures"`
	Total    time.Duration `json:"total"`
	Slowest  string        `json:"slowest,omitempty"`
}

// Summarize 按协议域汇总命令耗时，按总耗时降序
func (t *Transcript) Summarize() []*DomainSummary {
	byDomain := make(map[string]*DomainSummary)
	slowest := make(map[string]time.Duration)

	for _, e := range t.Entries {
		if e.Type != EntryResponse && e.Type != EntryError {
			continue
		}
		domain, _, _ := strings.Cut(e.Method, ".")
		s, ok := byDomain[domain]
		if !ok {
			s = &DomainSummary{Domain: domain}
			byDomain[domain] = s
		}
		s.Commands++
		s.Total += e.Elapsed
		if e.Type == EntryError {
			s.Failures++
		}
		if e.Elapsed >= slowest[domain] {
			slowest[domain] = e.Elapsed
			s.Slowest = e.Method
		}
	}

	out := make([]*DomainSummary, 0, len(byDomain))
	for _, s := range byDomain {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}
