package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceSampleRatio is the share of root spans recorded, in [0,1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Audio        AudioConfig        `yaml:"audio"`
	Video        VideoConfig        `yaml:"video"`
	STT          STTConfig          `yaml:"stt"`
	Vision       VisionConfig       `yaml:"vision"`
	TTS          TTSConfig          `yaml:"tts"`
	Playback     PlaybackConfig     `yaml:"playback"`
	UI           UIConfig           `yaml:"ui"`
	Conversation ConversationConfig `yaml:"conversation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CatalogConfig struct {
	SpecDir  string `yaml:"spec_dir"`
	ImageDir string `yaml:"image_dir"`
	DBPath   string `yaml:"db_path"`
	Watch    bool   `yaml:"watch"`
}

type ConsensusConfig struct {
	WindowSize                   int     `yaml:"window_size"`
	ConfidenceThreshold          float64 `yaml:"confidence_threshold"`
	EmbeddingSimilarityThreshold float64 `yaml:"embedding_similarity_threshold"`
	// Voice transcripts are already segmented, so the voice window
	// defaults to a single entry.
	VoiceWindowSize          int     `yaml:"voice_window_size"`
	VoiceConfidenceThreshold float64 `yaml:"voice_confidence_threshold"`
}

type AudioConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Source               string  `yaml:"source"` // mock, exec
	Command              string  `yaml:"command"`
	SampleRate           int     `yaml:"sample_rate"`
	Channels             int     `yaml:"channels"`
	FrameDurationMS      int     `yaml:"frame_duration_ms"`
	SpeechWindowFrames   int     `yaml:"speech_window_frames"`
	SpeechRatioThreshold float64 `yaml:"speech_ratio_threshold"`
	MaxSilenceFrames     int     `yaml:"max_silence_frames"`
	EnergyThreshold      float64 `yaml:"energy_threshold"`
}

type VideoConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Device             string `yaml:"device"` // placeholder, camera
	CameraIndex        int    `yaml:"camera_index"`
	MinFrameIntervalMS int    `yaml:"min_frame_interval_ms"`
	Width              int    `yaml:"width"`
	Height             int    `yaml:"height"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type VisionConfig struct {
	Mode           string  `yaml:"mode"` // mock, http
	Endpoint       string  `yaml:"endpoint"`
	Model          string  `yaml:"model"`
	Dimensions     int     `yaml:"dimensions"`
	MatchThreshold float64 `yaml:"match_threshold"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // mock, exec
	Command         string `yaml:"command"`
	Voice           string `yaml:"voice"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type PlaybackConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	StopTimeoutMS  int    `yaml:"stop_timeout_ms"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	CacheSize      int    `yaml:"cache_size"`
}

type UIConfig struct {
	TickIntervalMS int    `yaml:"tick_interval_ms"`
	Surface        string `yaml:"surface"` // websocket, log
}

type ConversationConfig struct {
	Greeting        string            `yaml:"greeting"`
	CancelPhrases   []string          `yaml:"cancel_phrases"`
	DenyList        []string          `yaml:"deny_list"`
	MinQueryLength  int               `yaml:"min_query_length"`
	SizeTokens      []string          `yaml:"size_tokens"`
	ProductKeywords []string          `yaml:"product_keywords"`
	Aliases         map[string]string `yaml:"aliases"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-kiosk",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Catalog: CatalogConfig{
			SpecDir:  "./data/product_specs",
			ImageDir: "./data/product_images",
			DBPath:   "./data/catalog.db",
		},
		Consensus: ConsensusConfig{
			WindowSize:                   3,
			ConfidenceThreshold:          0.85,
			EmbeddingSimilarityThreshold: 0.90,
			VoiceWindowSize:              1,
			VoiceConfidenceThreshold:     0,
		},
		Audio: AudioConfig{
			Enabled:              true,
			Source:               "mock",
			SampleRate:           16000,
			Channels:             1,
			FrameDurationMS:      20,
			SpeechWindowFrames:   50,
			SpeechRatioThreshold: 0.6,
			MaxSilenceFrames:     50,
			EnergyThreshold:      300,
		},
		Video: VideoConfig{
			Enabled:            true,
			Device:             "placeholder",
			MinFrameIntervalMS: 100,
			Width:              640,
			Height:             480,
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "zh",
		},
		Vision: VisionConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			Model:          "clip",
			Dimensions:     512,
			MatchThreshold: 0.85,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Voice:           "zh",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Playback: PlaybackConfig{
			Mode:           "mock",
			Command:        "aplay -q",
			StopTimeoutMS:  1000,
			PollIntervalMS: 100,
			CacheSize:      64,
		},
		UI: UIConfig{
			TickIntervalMS: 10,
			Surface:        "websocket",
		},
		Conversation: ConversationConfig{
			Greeting:       "亲亲你想买什么",
			CancelPhrases:  []string{"不想买了", "不想要了", "取消", "不要了", "不买了", "算了", "我不要了"},
			DenyList:       []string{"chinese letter", "ch letter", "try these letter", "chi these letter", "these letter", "letter", "tidy", "chi", "try", "为您找到", "为你找到", "一条条", "我为你吗"},
			MinQueryLength: 4,
			SizeTokens:     []string{"S", "M", "L", "XL"},
			ProductKeywords: []string{
				"耐克", "Nike", "安踏", "短袖", "长袖", "长裤", "衣服", "shirt", "T恤",
			},
			Aliases: map[string]string{
				"黑色": "耐克黑色短袖",
				"白色": "耐克白色短袖",
				"红色": "耐克红色短袖",
				"黄色": "耐克黄色短袖",
				"绿色": "耐克绿色短袖",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		// yaml.v3 merges into non-nil maps, so a file that lists aliases
		// replaces the defaults instead of adding to them.
		var aliases struct {
			Conversation struct {
				Aliases map[string]string `yaml:"aliases"`
			} `yaml:"conversation"`
		}
		if err := yaml.Unmarshal(data, &aliases); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		if aliases.Conversation.Aliases != nil {
			cfg.Conversation.Aliases = nil
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "KIOSK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KIOSK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KIOSK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KIOSK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KIOSK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KIOSK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KIOSK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KIOSK_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "KIOSK_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "KIOSK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "KIOSK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KIOSK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KIOSK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KIOSK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KIOSK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KIOSK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KIOSK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KIOSK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KIOSK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Catalog.SpecDir, "KIOSK_CATALOG_SPEC_DIR")
	overrideString(&cfg.Catalog.ImageDir, "KIOSK_CATALOG_IMAGE_DIR")
	overrideString(&cfg.Catalog.DBPath, "KIOSK_CATALOG_DB_PATH")
	overrideBool(&cfg.Catalog.Watch, "KIOSK_CATALOG_WATCH")
	overrideInt(&cfg.Consensus.WindowSize, "KIOSK_CONSENSUS_WINDOW_SIZE")
	overrideFloat(&cfg.Consensus.ConfidenceThreshold, "KIOSK_CONSENSUS_CONFIDENCE_THRESHOLD")
	overrideFloat(&cfg.Consensus.EmbeddingSimilarityThreshold, "KIOSK_CONSENSUS_EMBEDDING_SIMILARITY_THRESHOLD")
	overrideInt(&cfg.Consensus.VoiceWindowSize, "KIOSK_CONSENSUS_VOICE_WINDOW_SIZE")
	overrideFloat(&cfg.Consensus.VoiceConfidenceThreshold, "KIOSK_CONSENSUS_VOICE_CONFIDENCE_THRESHOLD")
	overrideBool(&cfg.Audio.Enabled, "KIOSK_AUDIO_ENABLED")
	overrideString(&cfg.Audio.Source, "KIOSK_AUDIO_SOURCE")
	overrideString(&cfg.Audio.Command, "KIOSK_AUDIO_COMMAND")
	overrideInt(&cfg.Audio.SampleRate, "KIOSK_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "KIOSK_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "KIOSK_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.SpeechWindowFrames, "KIOSK_AUDIO_SPEECH_WINDOW_FRAMES")
	overrideFloat(&cfg.Audio.SpeechRatioThreshold, "KIOSK_AUDIO_SPEECH_RATIO_THRESHOLD")
	overrideInt(&cfg.Audio.MaxSilenceFrames, "KIOSK_AUDIO_MAX_SILENCE_FRAMES")
	overrideFloat(&cfg.Audio.EnergyThreshold, "KIOSK_AUDIO_ENERGY_THRESHOLD")
	overrideBool(&cfg.Video.Enabled, "KIOSK_VIDEO_ENABLED")
	overrideString(&cfg.Video.Device, "KIOSK_VIDEO_DEVICE")
	overrideInt(&cfg.Video.CameraIndex, "KIOSK_VIDEO_CAMERA_INDEX")
	overrideInt(&cfg.Video.MinFrameIntervalMS, "KIOSK_VIDEO_MIN_FRAME_INTERVAL_MS")
	overrideInt(&cfg.Video.Width, "KIOSK_VIDEO_WIDTH")
	overrideInt(&cfg.Video.Height, "KIOSK_VIDEO_HEIGHT")
	overrideString(&cfg.STT.Mode, "KIOSK_STT_MODE")
	overrideString(&cfg.STT.Command, "KIOSK_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "KIOSK_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "KIOSK_STT_LANGUAGE")
	overrideString(&cfg.Vision.Mode, "KIOSK_VISION_MODE")
	overrideString(&cfg.Vision.Endpoint, "KIOSK_VISION_ENDPOINT")
	overrideString(&cfg.Vision.Model, "KIOSK_VISION_MODEL")
	overrideInt(&cfg.Vision.Dimensions, "KIOSK_VISION_DIMENSIONS")
	overrideFloat(&cfg.Vision.MatchThreshold, "KIOSK_VISION_MATCH_THRESHOLD")
	overrideString(&cfg.TTS.Mode, "KIOSK_TTS_MODE")
	overrideString(&cfg.TTS.Command, "KIOSK_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "KIOSK_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "KIOSK_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "KIOSK_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "KIOSK_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.Playback.Mode, "KIOSK_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "KIOSK_PLAYBACK_COMMAND")
	overrideInt(&cfg.Playback.StopTimeoutMS, "KIOSK_PLAYBACK_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Playback.PollIntervalMS, "KIOSK_PLAYBACK_POLL_INTERVAL_MS")
	overrideInt(&cfg.Playback.CacheSize, "KIOSK_PLAYBACK_CACHE_SIZE")
	overrideInt(&cfg.UI.TickIntervalMS, "KIOSK_UI_TICK_INTERVAL_MS")
	overrideString(&cfg.UI.Surface, "KIOSK_UI_SURFACE")
	overrideString(&cfg.Conversation.Greeting, "KIOSK_CONVERSATION_GREETING")
	overrideStringSlice(&cfg.Conversation.CancelPhrases, "KIOSK_CONVERSATION_CANCEL_PHRASES")
	overrideInt(&cfg.Conversation.MinQueryLength, "KIOSK_CONVERSATION_MIN_QUERY_LENGTH")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if !unitInterval(cfg.Telemetry.TraceSampleRatio) {
		return errors.New("telemetry.trace_sample_ratio must be within [0,1]")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Catalog.SpecDir == "" && cfg.Catalog.DBPath == "" {
		return errors.New("catalog.spec_dir or catalog.db_path must be set")
	}
	if cfg.Consensus.WindowSize < 1 {
		return errors.New("consensus.window_size must be >= 1")
	}
	if cfg.Consensus.VoiceWindowSize < 1 {
		return errors.New("consensus.voice_window_size must be >= 1")
	}
	if !unitInterval(cfg.Consensus.ConfidenceThreshold) || !unitInterval(cfg.Consensus.VoiceConfidenceThreshold) {
		return errors.New("consensus confidence thresholds must be within [0,1]")
	}
	if cfg.Consensus.EmbeddingSimilarityThreshold < -1 || cfg.Consensus.EmbeddingSimilarityThreshold > 1 {
		return errors.New("consensus.embedding_similarity_threshold must be within [-1,1]")
	}
	if cfg.Audio.Enabled {
		switch cfg.Audio.Source {
		case "mock", "exec":
		default:
			return errors.New("audio.source must be one of mock|exec")
		}
		if cfg.Audio.Source == "exec" && cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when source=exec")
		}
		if cfg.Audio.SampleRate <= 0 || cfg.Audio.Channels <= 0 {
			return errors.New("audio.sample_rate and audio.channels must be positive")
		}
		if cfg.Audio.FrameDurationMS <= 0 {
			return errors.New("audio.frame_duration_ms must be positive")
		}
		if cfg.Audio.SpeechWindowFrames <= 0 || cfg.Audio.MaxSilenceFrames <= 0 {
			return errors.New("audio.speech_window_frames and audio.max_silence_frames must be positive")
		}
		if !unitInterval(cfg.Audio.SpeechRatioThreshold) {
			return errors.New("audio.speech_ratio_threshold must be within [0,1]")
		}
	}
	if cfg.Video.Enabled {
		switch cfg.Video.Device {
		case "placeholder", "camera":
		default:
			return errors.New("video.device must be one of placeholder|camera")
		}
		if cfg.Video.MinFrameIntervalMS < 0 {
			return errors.New("video.min_frame_interval_ms must be >= 0")
		}
		if cfg.Video.Width <= 0 || cfg.Video.Height <= 0 {
			return errors.New("video.width and video.height must be positive")
		}
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	switch cfg.Vision.Mode {
	case "mock", "http":
	default:
		return errors.New("vision.mode must be one of mock|http")
	}
	if cfg.Vision.Mode == "http" && cfg.Vision.Endpoint == "" {
		return errors.New("vision.endpoint must be set when mode=http")
	}
	if cfg.Vision.Dimensions <= 0 {
		return errors.New("vision.dimensions must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 || cfg.TTS.Channels <= 0 {
		return errors.New("tts.sample_rate and tts.channels must be positive")
	}
	switch cfg.Playback.Mode {
	case "mock", "exec":
	default:
		return errors.New("playback.mode must be one of mock|exec")
	}
	if cfg.Playback.Mode == "exec" && cfg.Playback.Command == "" {
		return errors.New("playback.command must be set when mode=exec")
	}
	if cfg.Playback.StopTimeoutMS <= 0 || cfg.Playback.PollIntervalMS <= 0 {
		return errors.New("playback.stop_timeout_ms and playback.poll_interval_ms must be positive")
	}
	if cfg.UI.TickIntervalMS <= 0 {
		return errors.New("ui.tick_interval_ms must be positive")
	}
	switch cfg.UI.Surface {
	case "websocket", "log":
	default:
		return errors.New("ui.surface must be one of websocket|log")
	}
	if len(cfg.Conversation.CancelPhrases) == 0 {
		return errors.New("conversation.cancel_phrases must not be empty")
	}
	if len(cfg.Conversation.SizeTokens) == 0 {
		return errors.New("conversation.size_tokens must not be empty")
	}
	return nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}
