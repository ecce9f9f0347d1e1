package pty

import "os"

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// passthroughEnv lists the server variables workspace programs may see.
// Everything else, including the auth secrets, stays in the server.
var passthroughEnv = []string{"PATH", "LANG", "TZ", "USER", "LOGNAME", "TMPDIR"}

// BaseEnv returns the environment for a program run in a workspace rooted
// at home. Later entries in the returned slice, or appended after it,
// override earlier ones.
func BaseEnv(home string) []string {
	env := make([]string, 0, len(passthroughEnv)+1)
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if _, ok := os.LookupEnv("PATH"); !ok {
		env = append(env, "PATH="+defaultPath)
	}
	return append(env, "HOME="+home)
}
