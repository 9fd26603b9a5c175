package geo

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"celdas-api/internal/logger"

	"github.com/jonas-p/go-shp"
)

var (
	// ErrNoDataset：预期位置不存在可识别的数据集文件
	ErrNoDataset = errors.New("geo: no dataset found")
	// ErrUnsafeArchive：压缩包条目路径越出解压目录
	ErrUnsafeArchive = errors.New("geo: archive entry escapes work dir")
)

// LoadOptions：加载参数；KeyField 为空时使用 DefaultKeyField，WorkDir 为空时解压到临时目录
type LoadOptions struct {
	KeyField string
	WorkDir  string
}

// 文档注释：加载几何数据集并构建包围盒表
// 背景：支持 .zip（内含 shapefile 或 GeoJSON，未指定 WorkDir 时解压到临时目录并在读取后删除）、.shp（需同名 .dbf）、.geojson/.json；目录时按 zip → shp → geojson 优先级选取首个文件。
// 约束：任何读取失败均返回错误，由调用方记录并保持未加载状态；不做重试。
func LoadDataset(path string, opts LoadOptions) (*Dataset, error) {
	fp, err := locate(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(fp), ".zip") {
		dir := opts.WorkDir
		if dir == "" {
			if dir, err = os.MkdirTemp("", "celdas-"); err != nil {
				return nil, fmt.Errorf("geo: work dir: %w", err)
			}
			// 记录读完即可删除；显式指定的 WorkDir 保留供排查
			defer func() {
				if err := os.RemoveAll(dir); err != nil {
					logger.L().Warn("dataset_workdir_cleanup_error", "dir", dir, "err", err)
				}
			}()
		}
		if err := extractZip(fp, dir); err != nil {
			return nil, err
		}
		logger.L().Debug("dataset_extracted", "archive", fp, "dir", dir)
		if fp, err = locate(dir); err != nil {
			return nil, err
		}
		if strings.EqualFold(filepath.Ext(fp), ".zip") {
			return nil, fmt.Errorf("geo: nested archive %s: %w", fp, ErrNoDataset)
		}
	}
	records, err := readRecords(fp)
	if err != nil {
		return nil, err
	}
	ds := Build(records, opts.KeyField)
	logger.L().Info("dataset_built", "file", fp, "records", ds.Records, "cells", len(ds.Cells), "boxes", len(ds.Table), "skipped", ds.Skipped, "duplicates", ds.Duplicates)
	if ds.Duplicates > 0 {
		logger.L().Warn("dataset_duplicate_cells", "count", ds.Duplicates)
	}
	return ds, nil
}

func readRecords(fp string) ([]Record, error) {
	switch strings.ToLower(filepath.Ext(fp)) {
	case ".shp":
		return readShapefile(fp)
	case ".geojson", ".json":
		return readGeoJSON(fp)
	}
	return nil, fmt.Errorf("geo: unsupported file %s: %w", fp, ErrNoDataset)
}

// locate：文件直接返回；目录递归查找，按扩展名优先级
func locate(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("geo: %s: %w", path, ErrNoDataset)
	}
	if !st.IsDir() {
		return path, nil
	}
	found := map[string]string{}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".json" {
			ext = ".geojson"
		}
		if _, ok := found[ext]; !ok {
			found[ext] = p
		}
		return nil
	})
	for _, ext := range []string{".zip", ".shp", ".geojson"} {
		if p, ok := found[ext]; ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("geo: %s: %w", path, ErrNoDataset)
}

// 文档注释：解压 zip 到工作目录
// 约束：拒绝绝对路径与 .. 越界条目；仅创建文件与目录，不处理符号链接。
func extractZip(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if errors.Is(err, zip.ErrInsecurePath) {
		if zr != nil {
			_ = zr.Close()
		}
		return fmt.Errorf("%w: %s", ErrUnsafeArchive, archive)
	}
	if err != nil {
		return fmt.Errorf("geo: open archive: %w", err)
	}
	defer zr.Close()
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target := filepath.Join(root, f.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrUnsafeArchive, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyEntry(f, target); err != nil {
			return fmt.Errorf("geo: extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func copyEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// 文档注释：读取 shapefile（.shp + .dbf）为记录
// 背景：属性表全部按字符串读取；几何转换为 GeoJSON 风格嵌套坐标，环/线按 Parts 切分。
func readShapefile(fp string) ([]Record, error) {
	r, err := shp.Open(fp)
	if err != nil {
		return nil, fmt.Errorf("geo: open shapefile: %w", err)
	}
	defer r.Close()
	fields := r.Fields()
	var out []Record
	for r.Next() {
		n, shape := r.Shape()
		props := make(map[string]any, len(fields))
		for k, f := range fields {
			props[f.String()] = strings.TrimRight(r.ReadAttribute(n, k), "\x00 ")
		}
		rec := Record{Properties: props}
		if g := shapeGeometry(shape); g != nil {
			rec.Geometry = g
		}
		out = append(out, rec)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("geo: read shapefile: %w", err)
	}
	return out, nil
}

func shapeGeometry(s shp.Shape) *Geometry {
	switch v := s.(type) {
	case nil, *shp.Null:
		return nil
	case *shp.Point:
		return &Geometry{Type: "Point", Coordinates: []float64{v.X, v.Y}}
	case *shp.MultiPoint:
		return &Geometry{Type: "MultiPoint", Coordinates: points(v.Points)}
	case *shp.PolyLine:
		return &Geometry{Type: "MultiLineString", Coordinates: parts(v.Parts, v.Points)}
	case *shp.Polygon:
		return &Geometry{Type: "Polygon", Coordinates: parts(v.Parts, v.Points)}
	}
	// Z/M 变体：退化为记录头中的包围盒角点，结果包围盒一致
	b := s.BBox()
	return &Geometry{Type: "MultiPoint", Coordinates: [][]float64{{b.MinX, b.MinY}, {b.MaxX, b.MaxY}}}
}

func points(ps []shp.Point) [][]float64 {
	out := make([][]float64, 0, len(ps))
	for _, p := range ps {
		out = append(out, []float64{p.X, p.Y})
	}
	return out
}

func parts(idx []int32, ps []shp.Point) []any {
	var out []any
	for i, start := range idx {
		end := int32(len(ps))
		if i+1 < len(idx) {
			end = idx[i+1]
		}
		if start < 0 || start > end || int(end) > len(ps) {
			continue
		}
		out = append(out, points(ps[start:end]))
	}
	return out
}

type featureDoc struct {
	Type       string         `json:"type"`
	Features   []Record       `json:"features"`
	Properties map[string]any `json:"properties"`
	Geometry   *Geometry      `json:"geometry"`
}

// 文档注释：读取 GeoJSON（FeatureCollection / Feature / Feature 数组）
func readGeoJSON(fp string) ([]Record, error) {
	b, err := os.ReadFile(fp)
	if err != nil {
		return nil, fmt.Errorf("geo: read geojson: %w", err)
	}
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "[") {
		var arr []Record
		if err := json.Unmarshal(b, &arr); err != nil {
			return nil, fmt.Errorf("geo: parse geojson: %w", err)
		}
		return arr, nil
	}
	var doc featureDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("geo: parse geojson: %w", err)
	}
	switch strings.ToLower(doc.Type) {
	case "featurecollection":
		return doc.Features, nil
	case "feature":
		return []Record{{Properties: doc.Properties, Geometry: doc.Geometry}}, nil
	}
	return nil, fmt.Errorf("geo: geojson type %q: %w", doc.Type, ErrNoDataset)
}
