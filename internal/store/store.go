package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"binance-grid-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const (
	strategyPrefix = "strategy/"
	orderPrefix    = "order/"
)

// Store 基于 BadgerDB 持久化策略与订单历史。
// 所有读写都是可重入的；查不到的键返回 (nil, nil) 而不是错误。
type Store struct {
	db *badger.DB
}

// Open 打开（必要时创建）位于 path 的数据库。
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger 默认日志太啰嗦
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

func strategyKey(id string) []byte {
	return []byte(strategyPrefix + id)
}

func orderKey(strategyID, orderID string) []byte {
	return []byte(orderPrefix + strategyID + "/" + orderID)
}

// SaveStrategy 保存策略（插入或覆盖）。
func (s *Store) SaveStrategy(strategy *models.GridStrategy) error {
	data, err := json.Marshal(strategy)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(strategyKey(strategy.ID), data)
	})
}

// GetStrategy 按ID读取策略；不存在时返回 (nil, nil)。
func (s *Store) GetStrategy(id string) (*models.GridStrategy, error) {
	var strategy *models.GridStrategy
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(strategyKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			strategy = &models.GridStrategy{}
			return json.Unmarshal(val, strategy)
		})
	})
	if err != nil {
		return nil, err
	}
	return strategy, nil
}

// ListStrategies 返回全部策略，按创建时间升序。
func (s *Store) ListStrategies() ([]*models.GridStrategy, error) {
	var strategies []*models.GridStrategy
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(strategyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				strategy := &models.GridStrategy{}
				if err := json.Unmarshal(val, strategy); err != nil {
					return err
				}
				strategies = append(strategies, strategy)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(strategies, func(i, j int) bool {
		return strategies[i].CreatedAt.Before(strategies[j].CreatedAt)
	})
	return strategies, nil
}

// DeleteStrategy 物理删除策略及其全部订单历史。
// 软删除（标记 Deleted）由调用方通过 SaveStrategy 完成。
func (s *Store) DeleteStrategy(id string) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(strategyKey(id))
	}); err != nil {
		return err
	}
	return s.deletePrefix([]byte(orderPrefix + id + "/"))
}

func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		}); err != nil {
			return err
		}
	}
	return nil
}

// SaveOrder 保存订单记录（插入或覆盖）。
func (s *Store) SaveOrder(order *models.Order) error {
	if order.ID == "" || order.StrategyID == "" {
		return fmt.Errorf("订单缺少 ID 或 StrategyID")
	}
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(orderKey(order.StrategyID, order.ID), data)
	})
}

// ListOrders 返回某个策略的全部订单历史，按创建时间升序。
func (s *Store) ListOrders(strategyID string) ([]*models.Order, error) {
	var orders []*models.Order
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(orderPrefix + strategyID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				order := &models.Order{}
				if err := json.Unmarshal(val, order); err != nil {
					return err
				}
				orders = append(orders, order)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

// FindOrderByClientID 按客户端订单ID查找；不存在时返回 (nil, nil)。
func (s *Store) FindOrderByClientID(strategyID, clientOrderID string) (*models.Order, error) {
	orders, err := s.ListOrders(strategyID)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID {
			return o, nil
		}
	}
	return nil, nil
}
