package main

import (
	"encoding/json"
	"fmt"
	"os"

	"celdas-api/internal/geo"
	"celdas-api/internal/logger"
	"celdas-api/internal/occupancy"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// 文档注释：离线分组工具
// 背景：不启动服务，直接加载数据集并按给定占用集输出空闲区域，便于核对数据集与分组结果。
// 约束：结果以 JSON 写到标准输出，日志写到标准错误。
func main() {
	_ = godotenv.Load(".env")
	logger.SetupWriter(os.Stderr)
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dataset  string
		keyField string
		workDir  string
		strategy string
		occupied []string
		stateOut bool
	)
	cmd := &cobra.Command{
		Use:   "celdas-groups",
		Short: "Print free-cell areas for a geometry dataset and an occupied set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataset == "" {
				return fmt.Errorf("--dataset is required")
			}
			grouper, err := geo.GrouperFor(strategy)
			if err != nil {
				return err
			}
			ds, err := geo.LoadDataset(dataset, geo.LoadOptions{KeyField: keyField, WorkDir: workDir})
			if err != nil {
				return fmt.Errorf("load dataset: %w", err)
			}
			mgr := occupancy.NewManager(occupancy.Options{Grouper: grouper})
			if err := mgr.Load(ds); err != nil {
				return err
			}
			areas, err := mgr.Update(cmd.Context(), occupied)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if stateOut {
				return enc.Encode(map[string]any{"estado": mgr.Snapshot(), "areas": areas})
			}
			return enc.Encode(areas)
		},
	}
	cmd.Flags().StringVarP(&dataset, "dataset", "d", os.Getenv("DATASET_PATH"), "dataset file or directory (.zip, .shp, .geojson)")
	cmd.Flags().StringVar(&keyField, "key-field", geo.DefaultKeyField, "attribute holding the cell identifier")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for archive extraction (default: temp dir)")
	cmd.Flags().StringVar(&strategy, "strategy", "grid", "grouping strategy: grid or scan")
	cmd.Flags().StringSliceVarP(&occupied, "occupied", "o", nil, "occupied cell identifiers (repeatable or comma separated)")
	cmd.Flags().BoolVar(&stateOut, "state", false, "also print the occupancy triple")
	return cmd
}
