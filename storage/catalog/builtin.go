package catalog

// builtinFunctionNames are the scalar and aggregate functions registered once
// after catalog initialization. The registry implementation is an external
// collaborator; the catalog only records the seeding.
var builtinFunctionNames = []string{
	"abs", "ceil", "floor", "round", "sqrt", "pow", "ln", "log10",
	"lower", "upper", "trim", "substring", "char_length",
	"count", "sum", "avg", "min", "max",
	"l2_distance", "ip_distance", "cosine_distance",
}

// SeedBuiltinFunctions registers the builtin function set into the catalog.
// It is single-shot; seeding twice indicates a bring-up ordering bug and is
// ignored after the first call.
func (c *Catalog) SeedBuiltinFunctions() {
	if c.functionsSeeded.Swap(true) {
		return
	}
	c.builtinFunctions = append([]string(nil), builtinFunctionNames...)
}

// BuiltinFunctionsSeeded reports whether the registry seed ran.
func (c *Catalog) BuiltinFunctionsSeeded() bool { return c.functionsSeeded.Load() }

// BuiltinFunctions returns the seeded registry names.
func (c *Catalog) BuiltinFunctions() []string { return c.builtinFunctions }
