package scanner

import "regexp"

// artifact files carry the owning job id right in the name, e.g.
// GEN_1a2b3c4d_00001.png, GEN_UP_1a2b3c4d.png, GEN_VAR_..., GEN_I2I_...
// The prefix encodes the artifact kind (generate/upscale/variation/edit),
// the 8 hex chars after it are the job id.
var jobIDRe = regexp.MustCompile(`(?i)^(GEN_UP_|GEN_VAR_|GEN_I2I_|GEN_)([a-f0-9]{8})`)

// ExtractJobID decodes the job id embedded in an artifact file name,
// ok=false if the name doesn't follow the convention
func ExtractJobID(filename string) (id string, ok bool) {
	if filename == "" {
		return "", false
	}
	m := jobIDRe.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[2], true
}
