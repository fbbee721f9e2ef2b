package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/DuetPipe/internal/models"
)

// FormatOutbound renders a message as chat text: an "@name" line when the message is addressed to a
// participant in a shared thread, the text, then the options as a numbered list.
func FormatOutbound(out models.Outbound) string {
	var b strings.Builder
	if out.To != nil {
		fmt.Fprintf(&b, "@%s\n", out.To.Name())
	}
	b.WriteString(strings.TrimSpace(out.Text))
	if len(out.Options) > 0 {
		b.WriteString("\n")
		for i, o := range out.Options {
			fmt.Fprintf(&b, "\n%d. %s", i+1, o)
		}
		b.WriteString("\n\nReply with a number or in your own words.")
	}
	return b.String()
}
