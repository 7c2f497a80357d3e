package deseptex

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// LibraryPathEnv 覆盖 ONNX Runtime 动态库位置的环境变量
const LibraryPathEnv = "DESEPTEX_ONNXRUNTIME_LIB"

// OnnxConfig 一个模型会话的运行时参数
type OnnxConfig struct {
	SessionOptions *ort.SessionOptions

	// 必填参数
	OnnxRuntimeLibPath string // onnxruntime 动态库路径
	// 可选参数
	UseCuda    bool // (可选) 是否启用 CUDA
	NumThreads int  // (可选) ONNX 线程数, 默认由CPU核心数决定
}

// 运行时环境属于整个进程, 四个模型共用
var (
	envMu   sync.Mutex
	envPath string
	envErr  error
	envUp   bool
)

// initEnvironment 第一次调用时加载动态库, 之后要求使用同一个库
func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUp {
		if libPath != envPath {
			return fmt.Errorf("ONNX Runtime 已从 %s 加载, 不能再加载 %s", envPath, libPath)
		}
		return envErr
	}
	ort.SetSharedLibraryPath(libPath)
	envPath, envErr, envUp = libPath, ort.InitializeEnvironment(), true
	return envErr
}

// ShutdownEnvironment 所有会话销毁后释放运行时环境, 进程退出前调用
func ShutdownEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !envUp || envErr != nil {
		return nil
	}
	envUp = false
	return ort.DestroyEnvironment()
}

// New 初始化运行时环境并创建本会话的选项
func (cfg *OnnxConfig) New() error {
	if cfg.OnnxRuntimeLibPath == "" {
		return fmt.Errorf("OnnxRuntimeLibPath 不能为空")
	}
	if err := initEnvironment(cfg.OnnxRuntimeLibPath); err != nil {
		return fmt.Errorf("初始化 ONNX Runtime 环境失败: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	if err := cfg.configure(options); err != nil {
		options.Destroy()
		return err
	}
	cfg.SessionOptions = options
	return nil
}

// configure 线程数和 CUDA
func (cfg *OnnxConfig) configure(options *ort.SessionOptions) error {
	if cfg.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.NumThreads); err != nil {
			return fmt.Errorf("设置线程数失败: %w", err)
		}
	}
	if !cfg.UseCuda {
		return nil
	}
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return fmt.Errorf("创建 CUDAProviderOptions 失败: %w", err)
	}
	defer cudaOptions.Destroy()
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		return fmt.Errorf("添加 CUDA 执行提供者失败: %w", err)
	}
	return nil
}

// Destroy 释放会话选项
func (cfg *OnnxConfig) Destroy() {
	if cfg.SessionOptions != nil {
		cfg.SessionOptions.Destroy()
		cfg.SessionOptions = nil
	}
}

// DefaultLibraryPath 动态库位置
//
// 依次取环境变量 DESEPTEX_ONNXRUNTIME_LIB, ./lib 下带架构后缀的库, ./lib 下不带后缀的库;
// 都不存在时返回带架构后缀的路径, 由加载时报错。
func DefaultLibraryPath() string {
	if p := os.Getenv(LibraryPathEnv); p != "" {
		return p
	}
	candidates := libraryCandidates("./lib", runtime.GOOS, runtime.GOARCH)
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return candidates[0]
}

func libraryCandidates(dir, goos, goarch string) []string {
	const name = "onnxruntime"
	switch goos {
	case "windows":
		return []string{filepath.Join(dir, name+".dll")}
	case "darwin":
		return []string{
			filepath.Join(dir, fmt.Sprintf("%s_%s.dylib", name, goarch)),
			filepath.Join(dir, name+".dylib"),
		}
	default:
		return []string{
			filepath.Join(dir, fmt.Sprintf("%s_%s.so", name, goarch)),
			filepath.Join(dir, name+".so"),
		}
	}
}
