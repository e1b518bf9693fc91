package domain

// CapabilityMetadata describes a capability file.
type CapabilityMetadata struct {
	Name        string
	Description string
	Version     string
	Author      string
	Tags        []string
}

// CapabilityFile is an operator-owned set of tools.
type CapabilityFile struct {
	Metadata CapabilityMetadata
	Tools    []Tool
}

// Tool returns the tool named name and its index.
func (f CapabilityFile) Tool(name string) (Tool, int, bool) {
	for i, tool := range f.Tools {
		if tool.Name == name {
			return tool, i, true
		}
	}
	return Tool{}, -1, false
}
