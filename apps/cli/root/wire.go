package root

import (
	conflictscmd "github.com/classtab/roster-sync/apps/cli/cmd/conflicts"
	schemacmd "github.com/classtab/roster-sync/apps/cli/cmd/schema"
	synccmd "github.com/classtab/roster-sync/apps/cli/cmd/sync"
)

func init() {
	Root().AddCommand(schemacmd.Command())
	Root().AddCommand(synccmd.Command())
	Root().AddCommand(conflictscmd.Command())
}
