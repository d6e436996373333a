package hostapi

// TermAPI is the term global. Output goes to the computer's console stream.
type TermAPI struct {
	env Environment
}

var _ API = (*TermAPI)(nil)

// NewTermAPI creates the term API for env.
func NewTermAPI(env Environment) *TermAPI {
	return &TermAPI{env: env}
}

func (a *TermAPI) Names() []string       { return []string{"term"} }
func (a *TermAPI) MethodNames() []string { return []string{"write", "print"} }

// CallMethod implements Object.
func (a *TermAPI) CallMethod(_ Context, method int, args []any) ([]any, error) {
	switch method {
	case 0:
		a.env.Output(Join(args, ""))
	case 1:
		a.env.Output(Join(args, "\t") + "\n")
	default:
		return nil, Errorf("unknown method")
	}
	return nil, nil
}
