package margin

// AccessController holds the single owner identity used to gate
// administrative writes.
type AccessController struct {
	owner string
}

// NewAccessController creates a controller with a fixed owner.
func NewAccessController(owner string) *AccessController {
	return &AccessController{owner: owner}
}

// Owner returns the owner account.
func (a *AccessController) Owner() string {
	return a.owner
}

// RequireOwner fails unless caller is the owner.
func (a *AccessController) RequireOwner(caller string) error {
	if caller != a.owner {
		return ErrNotOwner
	}
	return nil
}
