package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/openmoor/moor/pkg/stores"
)

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML renders v as a YAML document on stdout.
func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// printRecords renders stored entity records as an aligned table.
func printRecords(recs []*stores.EntityRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tNAME\tTYPE\tSTATUS\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.Namespace,
			rec.Name,
			rec.Type,
			rec.Status,
			rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()
}
