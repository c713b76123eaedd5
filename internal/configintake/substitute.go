package configintake

import (
	"os"
	"regexp"
)

// envVarPattern matches ${NAME} where NAME is a valid environment variable
// identifier. Anything else shaped like a placeholder — ${}, ${123} — does
// not match and is therefore left untouched, satisfying the "invalid name
// is left literal" boundary case (spec §8).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces every ${NAME} occurrence in s with the value of
// the process environment variable NAME. An unset NAME is preserved
// literally and reported through warnUnset.
func substituteEnv(s string, warnUnset func(name string)) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			if warnUnset != nil {
				warnUnset(name)
			}
			return match
		}
		return val
	})
}
