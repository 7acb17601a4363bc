package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	lef "github.com/libetude/lef"
)

var (
	all     bool
	verbose bool
	header  bool
	meta    bool
	layers  bool
	mmapOn  bool
)

func prettyPrint(buff []byte) string {
	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, buff, "", "\t"); err != nil {
		log.Println("JSON parse error: ", err)
		return string(buff)
	}
	return prettyJSON.String()
}

func isDirectory(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func dumpLEF(filename string, cmd *cobra.Command) {
	log.Printf("processing %s", filename)

	var (
		model *lef.Model
		err   error
	)
	if mmapOn {
		model, err = lef.LoadMmap(filename, &lef.Options{})
	} else {
		model, err = lef.LoadEager(filename, &lef.Options{})
	}
	if err != nil {
		log.Printf("error while opening %s: %s", filename, err)
		return
	}
	defer model.Close()

	wantHeader, _ := cmd.Flags().GetBool("header")
	if wantHeader {
		b, _ := json.Marshal(model.Header)
		fmt.Println(prettyPrint(b))
	}

	wantMeta, _ := cmd.Flags().GetBool("meta")
	if wantMeta {
		b, _ := json.Marshal(model.Meta)
		fmt.Println(prettyPrint(b))
	}

	wantLayers, _ := cmd.Flags().GetBool("layers")
	if wantLayers {
		b, _ := json.Marshal(model.LayerIDs())
		fmt.Println(prettyPrint(b))
	}

	wantAll, _ := cmd.Flags().GetBool("all")
	if wantAll {
		h, _ := json.Marshal(model.Header)
		m, _ := json.Marshal(model.Meta)
		l, _ := json.Marshal(model.LayerIDs())
		fmt.Println(prettyPrint(h))
		fmt.Println(prettyPrint(m))
		fmt.Println(prettyPrint(l))
	}
}

func dump(cmd *cobra.Command, args []string) {
	path := args[0]

	if !isDirectory(path) {
		dumpLEF(path, cmd)
		return
	}

	var files []string
	filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
		if err == nil && !isDirectory(p) {
			files = append(files, p)
		}
		return nil
	})
	for _, f := range files {
		dumpLEF(f, cmd)
	}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "lefdump",
		Short: "A LEF/LEFX model container inspector",
		Long:  "Dumps header, metadata, and layer index structure of LEF model files",
		Run: func(cmd *cobra.Command, args []string) {
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lefdump %d.%d\n", lef.CodeVersionMajor, lef.CodeVersionMinor)
		},
	}

	var dumpCmd = &cobra.Command{
		Use:   "dump",
		Short: "Dumps the file",
		Long:  "Dumps the header, metadata, and layer index of a LEF file",
		Args:  cobra.MinimumNArgs(1),
		Run:   dump,
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpCmd)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	dumpCmd.Flags().BoolVarP(&header, "header", "", false, "dump the file header")
	dumpCmd.Flags().BoolVarP(&meta, "meta", "", false, "dump model metadata")
	dumpCmd.Flags().BoolVarP(&layers, "layers", "", false, "dump the layer index")
	dumpCmd.Flags().BoolVarP(&mmapOn, "mmap", "", false, "load via memory-mapped I/O instead of eager")
	dumpCmd.Flags().BoolVarP(&all, "all", "", false, "dump everything")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
