package mcp

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fentz26/toolgate/internal/models"
)

// catalog is an immutable view of all tool catalogs. A new one is built
// for every change and swapped in whole.
type catalog struct {
	// live holds the catalogs of servers currently running or degraded.
	live map[string][]models.ToolDescriptor
	// byTool indexes live, candidates ordered by priority desc, name asc.
	byTool map[string][]Candidate
	// known remembers which tools each server last advertised (or was
	// declared to provide), including servers that are no longer live.
	known map[string][]string
	// owners indexes known by tool, same ordering as byTool.
	owners map[string][]string
}

// Registry is the aggregated tool catalog across servers. Readers never
// block; writers are serialized and replace the catalog atomically.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[catalog]
	priority func(server string) int
}

// NewRegistry creates an empty registry ranking servers with priority.
func NewRegistry(priority func(server string) int) *Registry {
	if priority == nil {
		priority = func(string) int { return DefaultPriority }
	}
	r := &Registry{priority: priority}
	r.current.Store(r.index(map[string][]models.ToolDescriptor{}, map[string][]string{}))
	return r
}

// Rebuild replaces the live catalog of one server.
func (r *Registry) Rebuild(server string, tools []models.ToolDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	live := cloneLive(cur.live)
	known := cloneKnown(cur.known)

	seen := make(map[string]bool, len(tools))
	slice := make([]models.ToolDescriptor, 0, len(tools))
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		t.Server = server
		slice = append(slice, t)
		names = append(names, t.Name)
	}
	live[server] = slice
	known[server] = names

	r.current.Store(r.index(live, known))
}

// Remove drops a server's live catalog. Its tool ownership is remembered.
func (r *Registry) Remove(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.live[server]; !ok {
		return
	}
	live := cloneLive(cur.live)
	delete(live, server)
	r.current.Store(r.index(live, cur.known))
}

// Declare records tools a server is expected to provide without making
// them live. Ignored once the server has listed a real catalog.
func (r *Registry) Declare(server string, tools []string) {
	if len(tools) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.known[server]; ok {
		return
	}
	known := cloneKnown(cur.known)
	known[server] = append([]string(nil), tools...)
	r.current.Store(r.index(cur.live, known))
}

// ToolsForServer returns the live tool count of one server.
func (r *Registry) ToolsForServer(name string) int {
	return len(r.current.Load().live[name])
}

// Lookup returns the live candidates for a tool, best first.
func (r *Registry) Lookup(tool string) []Candidate {
	cands := r.current.Load().byTool[tool]
	return append([]Candidate(nil), cands...)
}

// Owners returns every server known to provide tool, live or not, best
// first.
func (r *Registry) Owners(tool string) []string {
	return append([]string(nil), r.current.Load().owners[tool]...)
}

// Tools returns all live tool descriptors sorted by name then server.
func (r *Registry) Tools() []models.ToolDescriptor {
	cur := r.current.Load()
	var out []models.ToolDescriptor
	for _, tools := range cur.live {
		out = append(out, tools...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Server < out[j].Server
	})
	return out
}

// ToolNames returns the distinct names of all known tools, sorted.
func (r *Registry) ToolNames() []string {
	cur := r.current.Load()
	names := make([]string, 0, len(cur.owners))
	for name := range cur.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalToolCount returns the number of live (server, tool) pairs.
func (r *Registry) TotalToolCount() int {
	total := 0
	for _, tools := range r.current.Load().live {
		total += len(tools)
	}
	return total
}

func (r *Registry) index(live map[string][]models.ToolDescriptor, known map[string][]string) *catalog {
	c := &catalog{
		live:   live,
		byTool: make(map[string][]Candidate),
		known:  known,
		owners: make(map[string][]string),
	}
	for server, tools := range live {
		p := r.priority(server)
		for _, t := range tools {
			c.byTool[t.Name] = append(c.byTool[t.Name], Candidate{Server: server, Priority: p, Tool: t})
		}
	}
	for _, cands := range c.byTool {
		sort.Slice(cands, func(i, j int) bool {
			return r.better(cands[i].Server, cands[j].Server)
		})
	}
	for server, names := range known {
		for _, name := range names {
			c.owners[name] = append(c.owners[name], server)
		}
	}
	for _, servers := range c.owners {
		sort.Slice(servers, func(i, j int) bool {
			return r.better(servers[i], servers[j])
		})
	}
	return c
}

// better orders servers by priority descending, then name ascending.
func (r *Registry) better(a, b string) bool {
	pa, pb := r.priority(a), r.priority(b)
	if pa != pb {
		return pa > pb
	}
	return a < b
}

func cloneLive(m map[string][]models.ToolDescriptor) map[string][]models.ToolDescriptor {
	out := make(map[string][]models.ToolDescriptor, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneKnown(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
