package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"volatility-grid-bot-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中,
// 补全默认值并校验所有约束
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	config.ApplyDefaults()
	config.Mode = strings.ToLower(config.Mode)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// 根据是否为测试网选择行情地址
	if config.WSBaseURL == "" {
		if config.IsTestnet {
			config.WSBaseURL = config.TestnetWSURL
		} else {
			config.WSBaseURL = config.LiveWSURL
		}
	}
	return config, nil
}
