package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargets(t *testing.T) {
	members := staticMembers{"site-1", "site-2"}
	const usage = "sys_info server|client <client-name> ..."

	tests := []struct {
		name    string
		args    []string
		want    TargetSet
		wantErr string
	}{
		{name: "missing", args: []string{"sys_info"}, wantErr: "syntax error: missing site names"},
		{name: "server", args: []string{"sys_info", "server"}, want: TargetSet{Kind: TargetServer}},
		{name: "all", args: []string{"sys_info", "all"}, want: TargetSet{Kind: TargetAll}},
		{name: "every client", args: []string{"sys_info", "client"}, want: TargetSet{Kind: TargetClients, Names: []string{}}},
		{name: "named", args: []string{"sys_info", "client", "site-2"}, want: TargetSet{Kind: TargetClients, Names: []string{"site-2"}}},
		{name: "unknown client", args: []string{"sys_info", "client", "site-9", "site-1"}, wantErr: "invalid client name(s): site-9"},
		{name: "bad type", args: []string{"sys_info", "cluster"}, wantErr: "invalid target type cluster. Usage: " + usage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTargets(tt.args, members, usage)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.ElementsMatch(t, tt.want.Names, got.Names)
		})
	}
}

func TestResolve(t *testing.T) {
	members := staticMembers{"a", "b"}

	assert.Empty(t, TargetSet{Kind: TargetServer}.Resolve(members))
	assert.Equal(t, []string{"a", "b"}, TargetSet{Kind: TargetAll}.Resolve(members))
	assert.Equal(t, []string{"a", "b"}, TargetSet{Kind: TargetClients}.Resolve(members))
	assert.Equal(t, []string{"b", "a"}, TargetSet{Kind: TargetClients, Names: []string{"b", "a", "b"}}.Resolve(members))
	assert.Empty(t, TargetSet{Kind: TargetAll}.Resolve(staticMembers{}))

	assert.True(t, TargetSet{Kind: TargetAll}.IncludesServer())
	assert.False(t, TargetSet{Kind: TargetClients}.IncludesServer())
}
