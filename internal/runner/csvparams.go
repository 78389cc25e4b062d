package runner

import (
	"os"
	"regexp"
)

// The evaluation tool binds a CSV runtime parameter to the variable name the
// protocol declares via add_csv_file(variable_name=...). A plain source scan
// is enough here; protocols that build the name dynamically simply get no
// mapping, same as an unreadable protocol file.
var (
	csvParamCallPattern    = regexp.MustCompile(`add_csv_file\s*\(([^)]*)\)`)
	csvVariableNamePattern = regexp.MustCompile(`variable_name\s*=\s*["']([^"']+)["']`)
)

// csvParameterNames returns the CSV parameter variable names declared in the
// protocol source, in declaration order.
func csvParameterNames(protocolPath string) []string {
	src, err := os.ReadFile(protocolPath)
	if err != nil {
		return nil
	}
	var names []string
	for _, call := range csvParamCallPattern.FindAllSubmatch(src, -1) {
		if m := csvVariableNamePattern.FindSubmatch(call[1]); m != nil {
			names = append(names, string(m[1]))
		}
	}
	return names
}
