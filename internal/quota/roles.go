package quota

import (
	"fmt"
	"sort"

	"governance-gateway/internal/platform/config"
)

// 訂閱等級（由低至高）.
const (
	RoleFree       = "free"
	RoleBasic      = "basic"
	RoleStandard   = "standard"
	RolePremium    = "premium"
	RoleEnterprise = "enterprise"
)

// RoleLimit 單一等級的上限
type RoleLimit struct {
	Role                string `json:"role"`
	RequestsPerMinute   int    `json:"requests_per_minute"`
	TokensPerDay        int64  `json:"tokens_per_day"`
	TokensPerMonth      int64  `json:"tokens_per_month"`
	MaxTokensPerRequest int    `json:"max_tokens_per_request"`
}

// RoleTable 等級上限表
type RoleTable struct {
	limits      map[string]RoleLimit
	defaultRole string
}

// NewRoleTable 由配置建立等級表，配置為空時使用內建預設
func NewRoleTable(roles map[string]config.RoleLimitConfig, defaultRole string) (*RoleTable, error) {
	if len(roles) == 0 {
		roles = config.DefaultRoleLimits()
	}
	if defaultRole == "" {
		defaultRole = RoleFree
	}

	limits := make(map[string]RoleLimit, len(roles))
	for name, r := range roles {
		limits[name] = RoleLimit{
			Role:                name,
			RequestsPerMinute:   r.RequestsPerMinute,
			TokensPerDay:        r.TokensPerDay,
			TokensPerMonth:      r.TokensPerMonth,
			MaxTokensPerRequest: r.MaxTokensPerRequest,
		}
	}
	if _, ok := limits[defaultRole]; !ok {
		return nil, fmt.Errorf("%w: default role %q", ErrUnknownRole, defaultRole)
	}

	return &RoleTable{limits: limits, defaultRole: defaultRole}, nil
}

// Lookup 取得等級上限；未知或空白等級回到預設等級
func (t *RoleTable) Lookup(role string) (RoleLimit, bool) {
	if l, ok := t.limits[role]; ok {
		return l, true
	}
	return t.limits[t.defaultRole], false
}

// Has 等級是否已定義
func (t *RoleTable) Has(role string) bool {
	_, ok := t.limits[role]
	return ok
}

// DefaultRole 預設等級
func (t *RoleTable) DefaultRole() string {
	return t.defaultRole
}

// All 依每日配額由低至高排序的等級列表
func (t *RoleTable) All() []RoleLimit {
	out := make([]RoleLimit, 0, len(t.limits))
	for _, l := range t.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokensPerDay != out[j].TokensPerDay {
			return out[i].TokensPerDay < out[j].TokensPerDay
		}
		return out[i].Role < out[j].Role
	})
	return out
}
