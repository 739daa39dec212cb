package app

import (
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/modules/cleanup"
	"github.com/vk/gridflow/modules/execcmd"
	"github.com/vk/gridflow/modules/httpcheck"
	"github.com/vk/gridflow/modules/print"
	"github.com/vk/gridflow/modules/sleep"
)

// coreModules is the default set of node handlers registered when the
// caller supplies none.
var coreModules = []registry.Module{
	&print.Module{},
	&execcmd.Module{},
	&httpcheck.Module{},
	&sleep.Module{},
	&cleanup.Module{},
}
