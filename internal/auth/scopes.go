package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeWorkflowsRead  = "workflows:read"
	ScopeWorkflowsWrite = "workflows:write"
)

// AllScopes is the scope set requested by the login flow and the docs page.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeWorkflowsRead,
	ScopeWorkflowsWrite,
}
