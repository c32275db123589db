package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/expctl/pkg/engine"
	"github.com/openfroyo/expctl/pkg/transports/ssh"
)

// typeDoc is the printable schema of a resource type.
type typeDoc struct {
	Name       string    `json:"name"`
	Help       string    `json:"help"`
	Attributes []attrDoc `json:"attributes"`
	Traces     []string  `json:"traces,omitempty"`
}

type attrDoc struct {
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Default interface{} `json:"default,omitempty"`
	Allowed []string    `json:"allowed,omitempty"`
	Flags   []string    `json:"flags,omitempty"`
	Help    string      `json:"help"`
}

func newTypesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "types [type...]",
		Short: "List the resource types and their attributes",
		Example: `  # List every type
  expctl types

  # Show the attributes of the Linux application
  expctl types linux::Application`,
		RunE: func(cmd *cobra.Command, args []string) error {
			factory, err := newFactory(ssh.NewPool())
			if err != nil {
				return err
			}

			var infos []engine.TypeInfo
			if len(args) == 0 {
				infos = factory.Types()
			}
			for _, name := range args {
				info, ok := factory.Lookup(name)
				if !ok {
					return fmt.Errorf("unknown resource type %q", name)
				}
				infos = append(infos, info)
			}

			docs := make([]typeDoc, 0, len(infos))
			for _, info := range infos {
				docs = append(docs, describeType(info))
			}
			if jsonOutput {
				return printJSON(docs)
			}

			for _, doc := range docs {
				fmt.Printf("%s\n  %s\n", doc.Name, doc.Help)
				if len(args) == 0 && !verbose {
					continue
				}
				for _, a := range doc.Attributes {
					line := fmt.Sprintf("    %-18s %-8s", a.Name, a.Type)
					if len(a.Flags) > 0 {
						line += " [" + strings.Join(a.Flags, ",") + "]"
					}
					fmt.Printf("%s %s\n", line, a.Help)
				}
				if len(doc.Traces) > 0 {
					fmt.Printf("    traces: %s\n", strings.Join(doc.Traces, ", "))
				}
			}
			return nil
		},
	}

	return cmd
}

func describeType(info engine.TypeInfo) typeDoc {
	doc := typeDoc{Name: info.Name, Help: info.Help}
	for _, a := range info.Attributes {
		d := attrDoc{
			Name:    a.Name,
			Type:    string(a.Type),
			Default: a.Default,
			Allowed: a.Allowed,
			Help:    a.Help,
		}
		if a.Flags.Has(engine.FlagReadOnly) {
			d.Flags = append(d.Flags, "read-only")
		}
		if a.Flags.Has(engine.FlagExecReadOnly) {
			d.Flags = append(d.Flags, "exec-read-only")
		}
		if a.Flags.Has(engine.FlagCredential) {
			d.Flags = append(d.Flags, "credential")
			d.Default = nil
		}
		doc.Attributes = append(doc.Attributes, d)
	}
	for _, t := range info.Traces {
		doc.Traces = append(doc.Traces, t.Name)
	}
	return doc
}
