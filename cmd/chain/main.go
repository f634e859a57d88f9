// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"

	"github.com/daviszhen/colchain/pkg/meta"
	"github.com/daviszhen/colchain/pkg/storage"
	"github.com/daviszhen/colchain/pkg/util"
)

var chainCfg = &util.Config{}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "chain.toml"

func init() {
	cobra.OnInitialize(loadConfig)
	initDescribeCmd()
	initVerifyCmd()
}

func loadConfig() {
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if !util.FileIsValid(fpath) {
			continue
		}
		if _, err := toml.DecodeFile(fpath, chainCfg); err != nil {
			util.Error("load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
			continue
		}
		viper.SetConfigFile(fpath)
		viper.SetConfigType("toml")
		if err := viper.ReadInConfig(); err != nil {
			util.Error("viper load config file failed",
				zap.String("fpath", fpath),
				zap.Error(err))
		}
		return
	}
}

var info = "chain"
var RootCmd = &cobra.Command{
	Use:          "chain",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use chain --help or -h")
	},
}

func initChainCfg(args []string) {
	if !chainCfg.Debug.Verbose {
		chainCfg.Debug.Verbose = viper.GetBool("debug.verbose")
	}
	if !chainCfg.Debug.Verbose {
		util.SetupLogger(nil)
	}
	if len(args) > 0 {
		chainCfg.Chain.Locations = args
	}
	if len(chainCfg.Chain.Locations) == 0 {
		chainCfg.Chain.Locations = viper.GetStringSlice("chain.locations")
	}
	if chainCfg.Chain.Name == "" {
		chainCfg.Chain.Name = viper.GetString("chain.name")
	}
	if chainCfg.Chain.Name == "" {
		chainCfg.Chain.Name = "chain"
	}
}

func openChain() (*storage.SourceChain, *meta.Descriptor, error) {
	if len(chainCfg.Chain.Locations) == 0 {
		return nil, nil, fmt.Errorf("no source locations given")
	}
	chain, err := storage.NewSourceChainFromLocations(chainCfg.Chain.Name, chainCfg.Chain.Locations)
	if err != nil {
		return nil, nil, err
	}
	desc, err := chain.Attach()
	if err != nil {
		_ = chain.Close()
		return nil, nil, err
	}
	return chain, desc, nil
}

//describe cmd

var describeInfo = "print the merged descriptor of a chain of columnar files"
var describeCmd = &cobra.Command{
	Use:   "describe [locations...]",
	Short: describeInfo,
	Long:  describeInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initChainCfg(args)
		chain, desc, err := openChain()
		if err != nil {
			return err
		}
		defer chain.Close()

		tree := treeprint.New()
		tree.SetValue(desc.Name())
		fields := tree.AddBranch("fields")
		for i := 0; i < desc.FieldCount(); i++ {
			fd := desc.GetFieldDescriptor(i)
			fields.AddNode(fmt.Sprintf("%s %s", fd.Name(), fd.TypeName()))
		}
		columns := tree.AddBranch("columns")
		for i := 0; i < desc.ColumnCount(); i++ {
			cd := desc.GetColumnDescriptor(i)
			columns.AddNode(fmt.Sprintf("#%d %s", cd.ID(), cd.Type()))
		}
		clusters := tree.AddBranch("clusters")
		for i := 0; i < desc.ClusterCount(); i++ {
			cd := desc.GetClusterDescriptor(meta.ClusterID(i))
			branch := clusters.AddBranch(fmt.Sprintf("cluster %d entries [%d, %d)",
				cd.ID(), cd.FirstEntryIndex(), cd.FirstEntryIndex()+cd.EntryCount()))
			for j := 0; j < cd.ColumnCount(); j++ {
				rng := cd.GetColumnRange(meta.ColumnID(j))
				branch.AddNode(fmt.Sprintf("col %d elements [%d, %d)",
					j, rng.FirstElementIndex, rng.End()))
			}
		}
		fmt.Print(tree.String())
		fmt.Printf("sources: %d, entries: %d, clusters: %d\n",
			chain.SourceCount(), chain.EntryCount(), chain.ClusterCount())
		return nil
	},
}

func initDescribeCmd() {
	RootCmd.AddCommand(describeCmd)
	describeCmd.Flags().StringVar(&chainCfg.Chain.Name, "name", "", "logical chain name")
	describeCmd.Flags().StringSliceVar(&chainCfg.Chain.Locations, "locations", nil, "columnar file locations, in chain order")
	describeCmd.Flags().BoolVar(&chainCfg.Debug.Verbose, "verbose", false, "log schema diagnostics")
}

//verify cmd

var verifyInfo = "attach a chain and report whether the sources' schemas agree"
var verifyCmd = &cobra.Command{
	Use:   "verify [locations...]",
	Short: verifyInfo,
	Long:  verifyInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initChainCfg(args)
		chain, desc, err := openChain()
		if err != nil {
			return err
		}
		defer chain.Close()

		state := "ok"
		if chain.Unsafe() {
			state = "unsafe: schema metadata disagrees across sources"
		}
		fmt.Printf("%s: %s\n", desc.Name(), state)
		fmt.Printf("sources: %d, entries: %d, clusters: %d, columns: %d\n",
			chain.SourceCount(), chain.EntryCount(), chain.ClusterCount(), desc.ColumnCount())
		if chain.Unsafe() {
			os.Exit(1)
		}
		return nil
	},
}

func initVerifyCmd() {
	RootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&chainCfg.Chain.Name, "name", "", "logical chain name")
	verifyCmd.Flags().StringSliceVar(&chainCfg.Chain.Locations, "locations", nil, "columnar file locations, in chain order")
	verifyCmd.Flags().BoolVar(&chainCfg.Debug.Verbose, "verbose", false, "log schema diagnostics")
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		util.Error("chain failed", zap.Error(err))
		os.Exit(1)
	}
}
