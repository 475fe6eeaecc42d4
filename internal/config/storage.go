package config

const (
	// FigureStoreFileName はフィギュアカタログのファイル名
	FigureStoreFileName = "figures.json"

	// ImagePrefix は生成画像を保存する名前空間
	ImagePrefix = "origami"

	// DataFilePermission はデータファイルのパーミッション
	DataFilePermission = 0644

	// DataDirPermission はデータディレクトリのパーミッション
	DataDirPermission = 0755
)

// Figure store backends
const (
	FigureStoreMemory = "memory"
	FigureStoreFile   = "file"
	FigureStoreRedis  = "redis"
)
