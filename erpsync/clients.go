package erpsync

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/resolver"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	entityClient     = "client_profile"
	customerCardType = "cCustomer"
)

// ClientsFamily pulls customer business partners into client profiles and
// their addresses into branches. With a group code it only handles that
// ERP customer group.
type ClientsFamily struct {
	name        string
	groupCode   *int
	client      *erp.Client
	resolver    *resolver.Resolver
	db          *gorm.DB
	countryCode string
}

func NewClientsFamily(client *erp.Client, res *resolver.Resolver, db *gorm.DB, countryCode string) *ClientsFamily {
	return &ClientsFamily{name: models.JobFamilyClients, client: client, resolver: res, db: db, countryCode: countryCode}
}

func NewClientGroupFamily(groupCode string, client *erp.Client, res *resolver.Resolver, db *gorm.DB, countryCode string) (*ClientsFamily, error) {
	code, err := strconv.Atoi(strings.TrimSpace(groupCode))
	if err != nil {
		return nil, fmt.Errorf("invalid client group code %q: %w", groupCode, err)
	}
	f := NewClientsFamily(client, res, db, countryCode)
	f.name = models.ClientGroupFamily(strconv.Itoa(code))
	f.groupCode = &code
	return f, nil
}

func (f *ClientsFamily) Name() string { return f.name }

func (f *ClientsFamily) filter(run *Run) string {
	clauses := []string{erp.Eq("CardType", customerCardType), erp.ModifiedSince(run.Since)}
	if f.groupCode != nil {
		clauses = append(clauses, erp.Eq("GroupCode", *f.groupCode))
	}
	return erp.And(clauses...)
}

func (f *ClientsFamily) Run(ctx context.Context, run *Run) error {
	res, err := f.client.Fetcher().FetchAll(ctx, erp.BusinessPartnersResource, f.filter(run), run.Settings.BatchSize, run.Settings.MaxBatches)
	if err != nil {
		return fmt.Errorf("fetch business partners: %w", err)
	}
	run.HasMore = res.HasMore

	for _, batch := range res.Batches {
		for _, raw := range batch {
			bp, err := erp.Decode[erp.BusinessPartner](raw)
			if err != nil {
				run.Fail(ctx, &ItemProcessingError{EntityType: entityClient, Code: CodeInvalidPayload, Payload: raw, Err: err})
				continue
			}
			code := strings.TrimSpace(bp.CardCode)
			if code == "" {
				run.Fail(ctx, &ItemProcessingError{EntityType: entityClient, Code: CodeMissingId, Payload: raw, Err: fmt.Errorf("card code missing")})
				continue
			}
			bp.CardCode = code

			target, err := f.localCounterpart(ctx, run, bp)
			if err != nil {
				run.Fail(ctx, &ItemProcessingError{
					EntityType: entityClient,
					RemoteCode: code,
					Code:       CodeResolveFailed,
					Retryable:  true,
					Payload:    raw,
					Err:        err,
				})
				if erp.IsSessionFailure(err) {
					return err
				}
				continue
			}
			_ = run.Item(ctx, entityClient, code, raw, func(tx *gorm.DB) (Outcome, error) {
				return f.upsert(ctx, tx, run, bp, target)
			})
		}
	}
	return nil
}

// localCounterpart finds the row a partner belongs to. A row holding another
// code but the same tax id is only taken over when the resolver confirms its
// stored code now leads to this partner.
func (f *ClientsFamily) localCounterpart(ctx context.Context, run *Run, bp erp.BusinessPartner) (*models.ClientProfile, error) {
	taxId := utils.NormalizeTaxId(bp.FederalTaxID)
	local, err := models.FindClientProfileForPartner(ctx, f.db, bp.CardCode, taxId)
	if err != nil || local == nil || local.RemoteCode == bp.CardCode {
		return local, err
	}
	if f.resolver == nil {
		return nil, nil
	}
	m, err := f.resolver.Resolve(ctx, resolver.LocalRecord{
		StoredCode:   local.RemoteCode,
		TaxId:        local.TaxId,
		CrossRefCode: local.CrossRefCode,
	})
	if err != nil {
		return nil, err
	}
	if m == nil || m.Partner.CardCode != bp.CardCode {
		return nil, nil
	}
	run.logger.WithFields(logrus.Fields{
		"remote_code": bp.CardCode,
		"stored_code": local.RemoteCode,
		"strategy":    m.Strategy,
	}).Info("client profile re-keyed to renamed partner")
	return local, nil
}

func (f *ClientsFamily) upsert(ctx context.Context, tx *gorm.DB, run *Run, bp erp.BusinessPartner, target *models.ClientProfile) (Outcome, error) {
	active := bp.Active()
	phone := bp.Phone1
	if strings.TrimSpace(phone) == "" {
		phone = bp.Cellular
	}
	phone = utils.NormalizePhoneNumber(phone, f.countryCode)
	taxId := utils.NormalizeTaxId(bp.FederalTaxID)

	if target == nil {
		profile := models.ClientProfile{
			RemoteCode:      bp.CardCode,
			Name:            strings.TrimSpace(bp.CardName),
			ForeignName:     strings.TrimSpace(bp.CardForeignName),
			TaxId:           taxId,
			CrossRefCode:    strings.TrimSpace(bp.AdditionalID),
			GroupCode:       bp.GroupCode,
			Email:           strings.TrimSpace(bp.EmailAddress),
			Phone:           phone,
			Currency:        strings.ToUpper(bp.Currency),
			IsActive:        &active,
			RemoteUpdatedAt: bp.ModifiedAt(),
		}
		profile.SapLastSync = snapshotPtr(run)
		if err := tx.Create(&profile).Error; err != nil {
			return OutcomeSkipped, err
		}
		if _, err := syncBranches(tx, profile.ID, bp.BPAddresses, run); err != nil {
			return OutcomeSkipped, err
		}
		return OutcomeCreated, nil
	}

	changes := map[string]interface{}{}
	setIf := func(column string, changed bool, value interface{}) {
		if changed {
			changes[column] = value
		}
	}
	setIf("remote_code", target.RemoteCode != bp.CardCode, bp.CardCode)
	setIf("name", target.Name != strings.TrimSpace(bp.CardName), strings.TrimSpace(bp.CardName))
	setIf("foreign_name", target.ForeignName != strings.TrimSpace(bp.CardForeignName), strings.TrimSpace(bp.CardForeignName))
	setIf("tax_id", target.TaxId != taxId, taxId)
	setIf("cross_ref_code", target.CrossRefCode != strings.TrimSpace(bp.AdditionalID), strings.TrimSpace(bp.AdditionalID))
	setIf("group_code", target.GroupCode != bp.GroupCode, bp.GroupCode)
	setIf("email", target.Email != strings.TrimSpace(bp.EmailAddress), strings.TrimSpace(bp.EmailAddress))
	setIf("phone", target.Phone != phone, phone)
	setIf("currency", target.Currency != strings.ToUpper(bp.Currency), strings.ToUpper(bp.Currency))
	setIf("is_active", utils.DereferencePtr(target.IsActive, true) != active, active)
	setIf("remote_updated_at", !sameTime(target.RemoteUpdatedAt, bp.ModifiedAt()), bp.ModifiedAt())

	branchesChanged, err := syncBranches(tx, target.ID, bp.BPAddresses, run)
	if err != nil {
		return OutcomeSkipped, err
	}
	if len(changes) == 0 {
		if err := touch(tx, &models.ClientProfile{}, target.ID, run); err != nil {
			return OutcomeSkipped, err
		}
		if branchesChanged {
			return OutcomeUpdated, nil
		}
		return OutcomeSkipped, nil
	}
	changes["sap_last_sync"] = run.Snapshot
	if err := tx.Model(&models.ClientProfile{}).Where("id = ?", target.ID).Updates(changes).Error; err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeUpdated, nil
}

func branchKey(name string, addressType string) string {
	return strings.TrimSpace(name) + "|" + addressType
}

// syncBranches mirrors a partner's address list onto its branches. Addresses
// that disappeared are deactivated. It reports whether anything changed.
func syncBranches(tx *gorm.DB, clientId uint, addresses []erp.BPAddress, run *Run) (bool, error) {
	var existing []models.ClientBranch
	if err := tx.Where("client_profile_id = ?", clientId).Find(&existing).Error; err != nil {
		return false, err
	}
	byKey := make(map[string]models.ClientBranch, len(existing))
	for _, b := range existing {
		byKey[branchKey(b.AddressName, b.AddressType)] = b
	}

	changed := false
	seen := map[string]bool{}
	for _, a := range addresses {
		name := strings.TrimSpace(a.AddressName)
		if name == "" {
			continue
		}
		key := branchKey(name, a.AddressType)
		if seen[key] {
			continue
		}
		seen[key] = true

		current, ok := byKey[key]
		if !ok {
			branch := models.ClientBranch{
				ClientProfileId: clientId,
				AddressName:     name,
				AddressType:     a.AddressType,
				Street:          strings.TrimSpace(a.Street),
				City:            strings.TrimSpace(a.City),
				County:          strings.TrimSpace(a.County),
				Country:         strings.TrimSpace(a.Country),
				ZipCode:         strings.TrimSpace(a.ZipCode),
				IsActive:        utils.NewTrue(),
				SapLastSync:     snapshotPtr(run),
			}
			if err := tx.Create(&branch).Error; err != nil {
				return false, err
			}
			changed = true
			continue
		}

		diff := map[string]interface{}{}
		if current.Street != strings.TrimSpace(a.Street) {
			diff["street"] = strings.TrimSpace(a.Street)
		}
		if current.City != strings.TrimSpace(a.City) {
			diff["city"] = strings.TrimSpace(a.City)
		}
		if current.County != strings.TrimSpace(a.County) {
			diff["county"] = strings.TrimSpace(a.County)
		}
		if current.Country != strings.TrimSpace(a.Country) {
			diff["country"] = strings.TrimSpace(a.Country)
		}
		if current.ZipCode != strings.TrimSpace(a.ZipCode) {
			diff["zip_code"] = strings.TrimSpace(a.ZipCode)
		}
		if !utils.DereferencePtr(current.IsActive, true) {
			diff["is_active"] = true
		}
		if len(diff) == 0 {
			if err := touch(tx, &models.ClientBranch{}, current.ID, run); err != nil {
				return false, err
			}
			continue
		}
		diff["sap_last_sync"] = run.Snapshot
		if err := tx.Model(&models.ClientBranch{}).Where("id = ?", current.ID).Updates(diff).Error; err != nil {
			return false, err
		}
		changed = true
	}

	for _, b := range existing {
		if seen[branchKey(b.AddressName, b.AddressType)] || !utils.DereferencePtr(b.IsActive, true) {
			continue
		}
		if err := tx.Model(&models.ClientBranch{}).Where("id = ?", b.ID).Update("is_active", false).Error; err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// Tombstone deactivates the family's client profiles a complete full run did not see.
func (f *ClientsFamily) Tombstone(ctx context.Context, db *gorm.DB, run *Run) (int64, error) {
	q := db.WithContext(ctx).Model(&models.ClientProfile{}).
		Where("is_active = ? AND sap_last_sync < ?", true, run.Snapshot)
	if f.groupCode != nil {
		q = q.Where("group_code = ?", *f.groupCode)
	}
	res := q.Updates(map[string]interface{}{"is_active": false})
	return res.RowsAffected, res.Error
}
