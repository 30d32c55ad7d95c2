package modules

// registry maps module names to their constructors. Modules are
// compiled in; there is no dynamic loading.
var registry = map[string]Factory{
	"network_bridge": func(deps Deps) Module { return newNetworkBridge(deps) },
	"disk_share":     func(deps Deps) Module { return newDiskShare(deps) },
	"resource_pool":  func(deps Deps) Module { return newResourcePool(deps) },
	"coordinator":    func(deps Deps) Module { return newCoordinatorModule(deps) },
}

// Build constructs the named modules in the order given. Names without
// a registered constructor are logged and skipped rather than failing
// startup.
func Build(names []string, deps Deps) []Module {
	var built []Module
	for _, name := range names {
		factory, ok := registry[name]
		if !ok {
			log.Warn("unknown module, skipping", "name", name)
			continue
		}
		built = append(built, factory(deps))
	}
	return built
}

// Known reports whether a module name has a registered constructor.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}
