package decoder

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"

	"github.com/WendelHime/goppspp/internal/shared/models"
	"github.com/jackpal/bencode-go"
)

var ErrInvalidMetafile = errors.New("invalid swarm metafile")

type MetafileDecoder interface {
	Decode(io.Reader) (models.SwarmMeta, error)
	Encode(io.Writer, models.SwarmMeta) error
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

// serialization structs of a swarm metafile, converted to models.SwarmMeta
type bencodeSwarm struct {
	// host:port of the tracker announcing the swarm
	Tracker string      `bencode:"tracker"`
	Info    bencodeInfo `bencode:"info"`
}

type bencodeInfo struct {
	Name      string `bencode:"name"`
	Length    int64  `bencode:"length"`
	ChunkSize int64  `bencode:"chunk size"`
	Live      int64  `bencode:"live"`
}

func (decoder) Decode(metafile io.Reader) (models.SwarmMeta, error) {
	var response models.SwarmMeta
	var bs bencodeSwarm
	err := bencode.Unmarshal(metafile, &bs)
	if err != nil {
		return response, err
	}

	if bs.Info.ChunkSize <= 0 || bs.Info.Length < 0 {
		return response, ErrInvalidMetafile
	}

	id, err := calculateSwarmID(bs.Info)
	if err != nil {
		return response, err
	}

	response.Tracker = bs.Tracker
	response.ID = id
	response.Info = models.SwarmInfo{
		Name:      bs.Info.Name,
		Length:    bs.Info.Length,
		ChunkSize: bs.Info.ChunkSize,
		Live:      bs.Info.Live != 0,
	}
	return response, nil
}

func (decoder) Encode(w io.Writer, meta models.SwarmMeta) error {
	if meta.Info.ChunkSize <= 0 {
		return ErrInvalidMetafile
	}
	return bencode.Marshal(w, toBencode(meta))
}

func toBencode(meta models.SwarmMeta) bencodeSwarm {
	bs := bencodeSwarm{
		Tracker: meta.Tracker,
		Info: bencodeInfo{
			Name:      meta.Info.Name,
			Length:    meta.Info.Length,
			ChunkSize: meta.Info.ChunkSize,
		},
	}
	if meta.Info.Live {
		bs.Info.Live = 1
	}
	return bs
}

// NewSwarmMeta describes content and derives its swarm id.
func NewSwarmMeta(tracker string, info models.SwarmInfo) (models.SwarmMeta, error) {
	bs := toBencode(models.SwarmMeta{Tracker: tracker, Info: info})
	id, err := calculateSwarmID(bs.Info)
	if err != nil {
		return models.SwarmMeta{}, err
	}
	return models.SwarmMeta{Tracker: tracker, Info: info, ID: id}, nil
}

func calculateSwarmID(info bencodeInfo) (models.SwarmID, error) {
	buf := bytes.NewBuffer(nil)
	if err := bencode.Marshal(buf, info); err != nil {
		return nil, err
	}
	sum := sha1.Sum(buf.Bytes())
	return models.SwarmID(sum[:]), nil
}
