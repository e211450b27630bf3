package indexer

import "strings"

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// Normalize converts CRLF and CR line endings to LF so paragraph and line
// separators are recognised.
func Normalize(text string) string {
	return lineEndings.Replace(text)
}
