package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// FileModePrivate rw------- 帳務紀錄只有擁有者可讀寫
const FileModePrivate fs.FileMode = 0600

// file *os.File 的子集，測試可以換成會失敗的實作
type file interface {
	io.ReadWriteSeeker
	Stat() (fs.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// WAL 以 JSON Lines 格式記錄已提交的資料
type WAL struct {
	file file
	mu   sync.Mutex

	// broken 寫入失敗且無法截斷回原本長度，之後的 Append 一律拒絕
	broken error
}

// Open 開啟或建立一個 WAL 檔案
// O_RDWR讀寫模式
// O_APPEND 每次寫入時自動跳到文件末尾
// O_CREATE 如果文件不存在則建立
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, FileModePrivate)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}
	return &WAL{file: f}, nil
}

// Append 寫入多筆資料後 fsync 一次，回傳 nil 代表已落地
// 失敗時檔案會截斷回寫入前的長度，這批資料不會在重播時出現
func (w *WAL) Append(records ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return w.broken
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode wal record: %w", err)
		}
	}

	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("stat wal: %w", err)
	}
	size := info.Size()

	if _, err := w.file.Write(buf.Bytes()); err != nil {
		return w.rollback(size, fmt.Errorf("write wal: %w", err))
	}
	if err := w.file.Sync(); err != nil {
		return w.rollback(size, fmt.Errorf("sync wal: %w", err))
	}
	return nil
}

// rollback 把檔案截回 size；連截斷都失敗時 WAL 就不能再寫
func (w *WAL) rollback(size int64, cause error) error {
	if err := w.file.Truncate(size); err != nil {
		w.broken = fmt.Errorf("wal unusable after failed append: %w", errors.Join(cause, err))
		return w.broken
	}
	if err := w.file.Sync(); err != nil {
		w.broken = fmt.Errorf("wal unusable after failed append: %w", errors.Join(cause, err))
		return w.broken
	}
	return cause
}

// Close 關閉檔案
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadAll 從頭讀取所有資料
// callback 一次收到一筆 JSON，避免一次將所有資料載入記憶體
// 檔尾若有寫到一半的紀錄 (crash)，會被截掉，那筆交易當時也沒有回報成功
func (w *WAL) ReadAll(callback func(raw json.RawMessage) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	decoder := json.NewDecoder(w.file)
	var good int64
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return w.file.Truncate(good)
			}
			return fmt.Errorf("decode wal record at offset %d: %w", good, err)
		}
		good = decoder.InputOffset()
		if err := callback(raw); err != nil {
			return err
		}
	}
}
