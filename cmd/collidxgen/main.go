// Command collidxgen is an offline index-rebuild tool: given a storage
// engine file and a record-store ident, it drops and regenerates one
// index from scratch, bypassing the Index-Build Coordinator entirely —
// the same "stop the world, drop, regenerate" shape as
// cmd/state/generate/regenerate_index.go's RegenerateIndex, generalized
// from a single hardcoded changeset index to any index descriptor this
// subsystem can build.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerwatch/collidx/am"
	"github.com/ledgerwatch/collidx/document"
	"github.com/ledgerwatch/collidx/idxspec"
	"github.com/ledgerwatch/collidx/log"
	"github.com/ledgerwatch/collidx/recordstore"
	"github.com/ledgerwatch/collidx/sdi"
	"github.com/ledgerwatch/collidx/storage"
	"github.com/ledgerwatch/collidx/storage/boltengine"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		log.Error("collidxgen failed", "error", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collidxgen",
		Short: "Offline rebuild tool for a single collection index",
	}
	cmd.AddCommand(rebuildCommand())
	return cmd
}

func rebuildCommand() *cobra.Command {
	var dbPath, recordIdent, indexIdent, indexName, fieldList string
	var unique bool

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Drop and regenerate one ordered index from the record store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(dbPath, recordIdent, indexIdent, indexName, fieldList, unique)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the bolt-backed storage engine file")
	cmd.Flags().StringVar(&recordIdent, "records", "records", "record-store ident to scan")
	cmd.Flags().StringVar(&indexIdent, "index-ident", "", "storage ident for the rebuilt index (created if absent)")
	cmd.Flags().StringVar(&indexName, "index-name", "", "index name")
	cmd.Flags().StringVar(&fieldList, "fields", "", "comma-separated ascending key fields, e.g. a,b.c")
	cmd.Flags().BoolVar(&unique, "unique", false, "build as a unique index")
	return cmd
}

func runRebuild(dbPath, recordIdent, indexIdent, indexName, fieldList string, unique bool) error {
	if dbPath == "" || indexName == "" || fieldList == "" {
		return fmt.Errorf("collidxgen: --db, --index-name, and --fields are required")
	}

	engine, err := boltengine.Open(dbPath)
	if err != nil {
		return fmt.Errorf("collidxgen: open %s: %w", dbPath, err)
	}
	defer engine.Close()

	recStore, err := engine.OpenIdent(recordIdent)
	if err != nil {
		return fmt.Errorf("collidxgen: open record ident %q: %w", recordIdent, err)
	}

	if indexIdent == "" {
		indexIdent = indexName
	}
	if err := engine.DropIdent(indexIdent); err != nil {
		log.Warn("drop existing index ident failed, continuing", "ident", indexIdent, "error", err)
	}
	if _, err := engine.NewIdent(storage.SortedDataIdent, indexIdent, storage.IdentOptions{DupSort: !unique}); err != nil {
		return fmt.Errorf("collidxgen: create index ident %q: %w", indexIdent, err)
	}
	idxStore, err := engine.OpenIdent(indexIdent)
	if err != nil {
		return fmt.Errorf("collidxgen: open index ident %q: %w", indexIdent, err)
	}

	desc := &idxspec.Descriptor{
		Name:       indexName,
		Kind:       idxspec.Ordered,
		Unique:     unique,
		KeyPattern: idxspec.NewKeyPattern(splitFields(fieldList)...),
	}

	accessMethod := am.New(desc, sdi.Wrap(idxStore, !unique))

	start := time.Now()
	log.Info("index regeneration started", "index", indexName, "start", start)

	bb := accessMethod.InitiateBulk()
	store := recordstore.Wrap(recStore)
	cur, err := store.GetCursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	var n int64
	for {
		rec, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		doc, err := decodeDocument(rec.Bytes)
		if err != nil {
			return fmt.Errorf("collidxgen: decode record %s: %w", rec.ID, err)
		}
		if err := bb.Add(doc, rec.ID); err != nil {
			return err
		}
		n++
	}
	if _, err := bb.Commit(); err != nil {
		return err
	}

	log.Info("index regeneration complete", "index", indexName, "records", n, "elapsed", time.Since(start))
	return nil
}

func splitFields(s string) []interface{} {
	var out []interface{}
	field := ""
	for _, r := range s + "," {
		if r == ',' {
			if field != "" {
				out = append(out, field, idxspec.Ascending)
			}
			field = ""
			continue
		}
		field += string(r)
	}
	return out
}

// decodeDocument turns one record-store value back into a Document. The
// on-disk document encoding is a storage-engine concern this tool has no
// say over, so it accepts the one format every deployment can produce
// without a custom codec: a JSON object. Nested objects and arrays decode
// to Object and Array values, and every JSON number decodes as a Double.
func decodeDocument(raw []byte) (document.Document, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return document.Document{}, fmt.Errorf("decode JSON record: %w", err)
	}
	doc := document.New()
	for k, v := range fields {
		doc.Root.Set(k, jsonValue(v))
	}
	return doc, nil
}

func jsonValue(v interface{}) document.Value {
	switch t := v.(type) {
	case nil:
		return document.Value{Type: document.TypeNull}
	case bool:
		return document.Value{Type: document.TypeBool, Bool: t}
	case float64:
		return document.Value{Type: document.TypeDouble, Double: t}
	case string:
		return document.Value{Type: document.TypeString, Str: t}
	case []interface{}:
		arr := make([]document.Value, len(t))
		for i, e := range t {
			arr[i] = jsonValue(e)
		}
		return document.Value{Type: document.TypeArray, Arr: arr}
	case map[string]interface{}:
		obj := document.NewObject()
		for k, e := range t {
			obj.Set(k, jsonValue(e))
		}
		return document.Value{Type: document.TypeObject, Obj: obj}
	default:
		return document.Value{Type: document.TypeNull}
	}
}
