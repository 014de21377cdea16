package gateway

import "github.com/cordum/fimgate/core/filter"

type routeMode int

const (
	// modeRead serves from the group cache and fills it on a miss.
	modeRead routeMode = iota
	// modeMutate evicts the group and always reaches the engine.
	modeMutate
)

// resourceRoute declares one endpoint of a managed resource.
type resourceRoute struct {
	Method  string
	Pattern string
	// Function identifies the endpoint to the engine.
	Function  string
	Group     string
	Mode      routeMode
	Query     filter.Spec
	Path      filter.Spec
	Broadcast bool
}

// Route returns the ServeMux pattern.
func (rt resourceRoute) Route() string { return rt.Method + " " + rt.Pattern }

const syscheckGroup = "syscheck"

// Agent ids are zero padded ("000" is the manager) so the digits are passed
// through as written.
var agentIDPath = filter.Spec{
	{Name: "agent_id", Kind: filter.Numbers, KeepRaw: true},
}

var syscheckListQuery = filter.Spec{
	{Name: "offset", Kind: filter.Numbers},
	{Name: "limit", Kind: filter.Numbers},
	{Name: "sort", Kind: filter.SortParam},
	{Name: "search", Kind: filter.SearchParam},
	{Name: "file", Kind: filter.Paths, Scope: filter.ScopeFilter},
	{Name: "type", Kind: filter.Names, Allowed: []string{"file", "registry"}, Scope: filter.ScopeFilter},
	{Name: "summary", Kind: filter.YesNoBoolean},
	{Name: "select", Kind: filter.AlphanumericParam},
	{Name: "md5", Kind: filter.Hashes, Scope: filter.ScopeFilter},
	{Name: "sha1", Kind: filter.Hashes, Scope: filter.ScopeFilter},
	{Name: "sha256", Kind: filter.Hashes, Scope: filter.ScopeFilter},
	{Name: "hash", Kind: filter.Hashes, Scope: filter.ScopeFilter},
}

// syscheckRoutes exposes file integrity monitoring results and scans.
func syscheckRoutes() []resourceRoute {
	return []resourceRoute{
		{
			Method:   "GET",
			Pattern:  "/syscheck/{agent_id}",
			Function: "/syscheck/:agent_id",
			Group:    syscheckGroup,
			Mode:     modeRead,
			Query:    syscheckListQuery,
			Path:     agentIDPath,
		},
		{
			Method:   "GET",
			Pattern:  "/syscheck/{agent_id}/last_scan",
			Function: "/syscheck/:agent_id/last_scan",
			Group:    syscheckGroup,
			Mode:     modeRead,
			Path:     agentIDPath,
		},
		{
			Method:    "PUT",
			Pattern:   "/syscheck",
			Function:  "PUT/syscheck",
			Group:     syscheckGroup,
			Mode:      modeMutate,
			Broadcast: true,
		},
		{
			Method:   "PUT",
			Pattern:  "/syscheck/{agent_id}",
			Function: "PUT/syscheck",
			Group:    syscheckGroup,
			Mode:     modeMutate,
			Path:     agentIDPath,
		},
		{
			Method:   "DELETE",
			Pattern:  "/syscheck/{agent_id}",
			Function: "DELETE/syscheck/:agent_id",
			Group:    syscheckGroup,
			Mode:     modeMutate,
			Path:     agentIDPath,
		},
	}
}
