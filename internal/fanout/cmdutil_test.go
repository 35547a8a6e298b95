package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fedctl/internal/auth"
	"github.com/mattjoyce/fedctl/internal/console"
)

func testUtil() CommandUtil {
	return CommandUtil{
		Policy: auth.NewPolicy(map[string][]string{
			"member":    {auth.RightView},
			"org_admin": {auth.RightView, auth.RightManageLog},
		}),
		Members: staticMembers{"site-1", "site-2"},
	}
}

func TestAuthorizeServerOperation(t *testing.T) {
	u := testUtil()
	authz := u.AuthorizeServerOperation(auth.RightManageLog, "configure_site_log server|client <client-name>...|all config")

	member := console.NewConnection(auth.Principal{User: "m", Role: "member"}, nil)
	res := authz(member, []string{"configure_site_log", "server"})
	assert.False(t, res.Permitted())
	assert.Equal(t, console.StatusNotAuthorized, res.Status)

	orgAdmin := console.NewConnection(auth.Principal{User: "o", Role: "org_admin"}, nil)
	res = authz(orgAdmin, []string{"configure_site_log", "client", "site-1"})
	require.True(t, res.Permitted())
	ts, ok := TargetsFrom(orgAdmin)
	require.True(t, ok)
	assert.Equal(t, TargetClients, ts.Kind)
	assert.Equal(t, []string{"site-1"}, ts.Names)

	res = authz(orgAdmin, []string{"configure_site_log", "bogus"})
	assert.Equal(t, console.StatusSyntaxError, res.Status)
	assert.Contains(t, res.Reason, "invalid target type bogus")
}

func TestAuthorizeClientOperation(t *testing.T) {
	u := testUtil()
	authz := u.AuthorizeClientOperation(auth.RightView)
	conn := console.NewConnection(auth.Principal{User: "m", Role: "member"}, nil)

	require.True(t, authz(conn, []string{"report_env", "site-2"}).Permitted())
	ts, _ := TargetsFrom(conn)
	assert.Equal(t, []string{"site-2"}, ts.Names)

	res := authz(conn, []string{"report_env", "nope"})
	assert.Equal(t, console.StatusSyntaxError, res.Status)

	stranger := console.NewConnection(auth.Principal{User: "s", Role: "guest"}, nil)
	assert.False(t, authz(stranger, []string{"report_env"}).Permitted())
}

func TestMustBeProjectAdmin(t *testing.T) {
	u := testUtil()
	admin := console.NewConnection(auth.Principal{Role: auth.RoleProjectAdmin}, nil)
	lead := console.NewConnection(auth.Principal{Role: "lead"}, nil)

	assert.True(t, u.MustBeProjectAdmin(admin, []string{"dead"}).Permitted())
	res := u.MustBeProjectAdmin(lead, []string{"dead"})
	assert.False(t, res.Permitted())
	assert.Equal(t, "dead: requires project admin", res.Reason)
}
