package root

import (
	diagnosecmd "github.com/everafter-labs/everafter-platform/apps/cli/cmd/diagnose"
	migratecmd "github.com/everafter-labs/everafter-platform/apps/cli/cmd/migrate"
	rlscmd "github.com/everafter-labs/everafter-platform/apps/cli/cmd/rls"
	seedcmd "github.com/everafter-labs/everafter-platform/apps/cli/cmd/seed"
)

func init() {
	Root().AddCommand(migratecmd.Command())
	Root().AddCommand(migratecmd.StatusCommand())
	Root().AddCommand(migratecmd.RollbackCommand())
	Root().AddCommand(seedcmd.Command())
	Root().AddCommand(diagnosecmd.Command())
	Root().AddCommand(rlscmd.Command())
}
