package api

// LegacyICE renders one ICE server advertisement in the historical
// semicolon-separated form understood by clients:
//
//	"stun:host:port"
//	"turn:host:port;username;credential"
//
// Empty trailing parts are omitted together with their separators.
func LegacyICE(urls, username, credential string) string {
	out := urls
	if username != "" {
		out += ";" + username
		if credential != "" {
			out += ";" + credential
		}
	}
	return out
}
