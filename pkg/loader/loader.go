// Package loader reads declarative strata manifests from YAML/JSON files.
//
// A manifest directory holds any mix of ResourceKinds, CompositionRules (both in the
// strata.azure.io/v1 group), and instances of registered kinds. Directories are walked
// recursively and every file may hold multiple documents.
//
//	bundle, err := loader.LoadBundle("./manifests")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, kind := range bundle.Kinds {
//	    // register it...
//	}
//
// Files with the following extensions are processed: .yaml, .yml, .json.
// Decoding errors don't stop the walk; every failed document is reported in the returned error.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	apiv1 "github.com/Azure/strata/api/v1"
)

const whitespaceBufferSize = 4096

// Bundle is the decoded content of a manifest directory, in file and document order.
type Bundle struct {
	Kinds     []*apiv1.ResourceKind
	Rules     []*apiv1.CompositionRule
	Instances []*apiv1.Instance
}

func (b *Bundle) merge(other *Bundle) {
	b.Kinds = append(b.Kinds, other.Kinds...)
	b.Rules = append(b.Rules, other.Rules...)
	b.Instances = append(b.Instances, other.Instances...)
}

// LoadBundle reads every manifest file under folder.
func LoadBundle(folder string) (*Bundle, error) {
	if _, err := os.Stat(folder); os.IsNotExist(err) {
		return nil, fmt.Errorf("folder does not exist: %s", folder)
	}

	var files []string
	err := filepath.Walk(folder, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access path %s: %w", filePath, err)
		}
		if info.IsDir() || !isYAMLOrJSONFile(filePath) {
			return nil
		}
		files = append(files, filePath)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	bundle := &Bundle{}
	var errs error
	for _, filePath := range files {
		fileBytes, err := os.ReadFile(filePath)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to read file %s: %w", filePath, err))
			continue
		}
		b, err := Decode(fileBytes)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", filePath, err))
		}
		bundle.merge(b)
	}
	return bundle, errs
}

// Decode parses the documents of a single manifest, ignoring empty and commented sections.
// The returned bundle holds every document that could be decoded, even when an error is returned.
func Decode(b []byte) (*Bundle, error) {
	bundle := &Bundle{}
	if len(b) == 0 {
		return bundle, nil
	}

	dec := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(b), whitespaceBufferSize)
	var errs error
	for i := 0; ; i++ {
		var obj runtime.Unknown
		err := dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// The decoder can't resync after a syntax error
			return bundle, multierr.Append(errs, fmt.Errorf("document %d: failed to decode object: %w", i, err))
		}
		if len(obj.Raw) == 0 {
			continue
		}
		if err := decodeDocument(obj.Raw, bundle); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("document %d: %w", i, err))
		}
	}
	return bundle, errs
}

func decodeDocument(raw []byte, bundle *Bundle) error {
	js, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return fmt.Errorf("failed to convert document to json: %w", err)
	}
	if string(js) == "null" {
		return nil
	}

	var typeMeta struct {
		APIVersion string `json:"apiVersion"`
		Kind       string `json:"kind"`
	}
	if err := utiljson.Unmarshal(js, &typeMeta); err != nil {
		return fmt.Errorf("failed to decode type metadata: %w", err)
	}
	if typeMeta.APIVersion == "" || typeMeta.Kind == "" {
		return fmt.Errorf("apiVersion and kind are required")
	}
	gv, err := schema.ParseGroupVersion(typeMeta.APIVersion)
	if err != nil {
		return fmt.Errorf("failed to parse apiVersion %s: %w", typeMeta.APIVersion, err)
	}

	switch gv.WithKind(typeMeta.Kind) {
	case apiv1.SchemeGroupVersion.WithKind("ResourceKind"):
		rk := &apiv1.ResourceKind{}
		if err := utiljson.Unmarshal(js, rk); err != nil {
			return fmt.Errorf("failed to decode ResourceKind: %w", err)
		}
		bundle.Kinds = append(bundle.Kinds, rk)

	case apiv1.SchemeGroupVersion.WithKind("CompositionRule"):
		cr := &apiv1.CompositionRule{}
		if err := utiljson.Unmarshal(js, cr); err != nil {
			return fmt.Errorf("failed to decode CompositionRule: %w", err)
		}
		bundle.Rules = append(bundle.Rules, cr)

	default:
		// Numbers are decoded as int64 when possible to match the store's representation
		inst := &apiv1.Instance{}
		if err := utiljson.Unmarshal(js, inst); err != nil {
			return fmt.Errorf("failed to decode %s instance: %w", typeMeta.Kind, err)
		}
		bundle.Instances = append(bundle.Instances, inst)
	}
	return nil
}

// isYAMLOrJSONFile checks if the file has a YAML or JSON extension
func isYAMLOrJSONFile(filePath string) bool {
	ext := filepath.Ext(filePath)
	return ext == ".yaml" || ext == ".yml" || ext == ".json"
}
